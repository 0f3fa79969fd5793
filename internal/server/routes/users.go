package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/util"
)

// registerUserRoutes adds the directory and profile endpoints.
//
//	GET /api/users/search/{query}
//	GET /api/users/{username}
//	PUT /api/users/{username}
func registerUserRoutes(r *mux.Router, d Deps) {
	handleGet(r, "/api/users/search/{query}", withAuth(d.Auth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"users": d.Chats.SearchUsers(mux.Vars(r)["query"], caller(r))})
	}))

	handleGet(r, "/api/users/{username}", withAuth(d.Auth, func(w http.ResponseWriter, r *http.Request) {
		name := util.NormalizeUsername(mux.Vars(r)["username"])
		u, ok := d.Chats.User(name)
		if !ok {
			writeError(w, chat.ErrUserNotFound)
			return
		}
		if name == caller(r) {
			writeJSON(w, map[string]any{"user": u.Self()})
			return
		}
		writeJSON(w, map[string]any{"user": u.Public()})
	}))

	r.HandleFunc("/api/users/{username}", withAuth(d.Auth, func(w http.ResponseWriter, r *http.Request) {
		var upd chat.ProfileUpdate
		if err := decodeJSON(r, &upd); err != nil {
			writeError(w, err)
			return
		}
		name := util.NormalizeUsername(mux.Vars(r)["username"])
		u, err := d.Chats.UpdateProfile(caller(r), name, upd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"user": u.Self()})
	})).Methods(http.MethodPut)
}
