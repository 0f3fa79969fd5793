package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/parley/internal/apperr"
	"github.com/petervdpas/parley/internal/auth"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with {error:{code,message}} and a status derived from
// the error's code.
func writeError(w http.ResponseWriter, err error) {
	pe := apperr.Public(err)
	if pe.Code == apperr.CodeInternal {
		log.Errorf("request failed: %v", err)
	}
	writeJSONStatus(w, apperr.HTTPStatus(pe.Code), map[string]any{"error": pe})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(apperr.CodeInvalidArgument, "malformed request body", err)
	}
	return nil
}

func handleGet(r *mux.Router, path string, fn http.HandlerFunc) *mux.Route {
	return r.HandleFunc(path, fn).Methods(http.MethodGet)
}

// handlePost decodes the JSON body into T before calling fn.
func handlePost[T any](r *mux.Router, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) *mux.Route {
	return r.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		fn(w, r, req)
	}).Methods(http.MethodPost)
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func localOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLocalRequest(r) {
			writeError(w, apperr.Forbidden("local requests only"))
			return
		}
		next(w, r)
	}
}

type ctxKey struct{}

// withAuth rejects requests without a valid bearer token and stores the
// caller's username on the context.
func withAuth(v Verifier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, err := v.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, username)))
	}
}

func caller(r *http.Request) string {
	u, _ := r.Context().Value(ctxKey{}).(string)
	return u
}
