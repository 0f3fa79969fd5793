package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

// registerDebugRoutes adds loopback-only introspection.
//
//	GET /api/debug/state
//	GET /api/logs
//	GET /api/logs/stream
func registerDebugRoutes(r *mux.Router, d Deps) {
	handleGet(r, "/api/debug/state", localOnly(func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if d.Registry != nil {
			out["online"] = d.Registry.Online()
			out["connections"] = d.Registry.ConnCount()
		}
		if d.Calls != nil {
			out["calls"] = d.Calls.Sessions()
		}
		if d.Groups != nil {
			out["rooms"] = d.Groups.Rooms()
		}
		writeJSON(w, out)
	}))

	if d.Logs == nil {
		return
	}
	handleGet(r, "/api/logs", localOnly(d.Logs.ServeLogsJSON))
	handleGet(r, "/api/logs/stream", localOnly(d.Logs.ServeLogsSSE))
}
