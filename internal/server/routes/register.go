// Package routes wires the HTTP API onto a gorilla/mux router.
package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/ice"
	"github.com/petervdpas/parley/internal/state"
)

var log = logging.Logger("http")

type Verifier interface {
	Verify(token string) (string, error)
}

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Auth     *auth.Service
	Chats    *chat.Manager
	Registry *state.Registry
	Calls    *call.Manager
	Groups   *group.Manager
	ICE      *ice.Provider
	Logs     Logs
	WS       http.Handler
}

func Register(r *mux.Router, d Deps) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	registerAuthRoutes(r, d)
	registerUserRoutes(r, d)
	registerICERoutes(r, d)
	registerDebugRoutes(r, d)

	if d.WS != nil {
		r.Handle("/ws", d.WS).Methods(http.MethodGet)
	}
}
