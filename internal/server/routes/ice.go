package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

// GET /api/ice-servers
func registerICERoutes(r *mux.Router, d Deps) {
	if d.ICE == nil {
		return
	}
	handleGet(r, "/api/ice-servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"iceServers": d.ICE.Servers(r.Context())})
	})
}
