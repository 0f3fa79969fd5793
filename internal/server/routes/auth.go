package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/util"
)

type sessionResponse struct {
	User  any    `json:"user"`
	Token string `json:"token"`
}

// registerAuthRoutes adds the account endpoints.
//
//	GET  /api/check-username/{username}
//	POST /api/register
//	POST /api/login
//	GET  /api/verify
//	POST /api/change-password
func registerAuthRoutes(r *mux.Router, d Deps) {
	handleGet(r, "/api/check-username/{username}", func(w http.ResponseWriter, r *http.Request) {
		name := util.NormalizeUsername(mux.Vars(r)["username"])
		writeJSON(w, map[string]bool{"exists": d.Chats.UserExists(name)})
	})

	handlePost(r, "/api/register", func(w http.ResponseWriter, r *http.Request, req auth.RegisterRequest) {
		u, token, err := d.Auth.Register(req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, sessionResponse{User: u.Self(), Token: token})
	})

	handlePost(r, "/api/login", func(w http.ResponseWriter, r *http.Request, req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}) {
		u, token, err := d.Auth.Login(req.Username, req.Password)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, sessionResponse{User: u.Self(), Token: token})
	})

	handleGet(r, "/api/verify", withAuth(d.Auth, func(w http.ResponseWriter, r *http.Request) {
		u, ok := d.Chats.User(caller(r))
		if !ok {
			writeError(w, chat.ErrUserNotFound)
			return
		}
		writeJSON(w, map[string]any{"user": u.Self()})
	}))

	handlePost(r, "/api/change-password", func(w http.ResponseWriter, r *http.Request, req struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}) {
		username, err := d.Auth.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := d.Auth.ChangePassword(username, req.OldPassword, req.NewPassword); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})
}
