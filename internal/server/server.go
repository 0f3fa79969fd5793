// Package server hosts the HTTP API, the websocket gateway and, optionally,
// the web client's static files.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/server/routes"
)

var log = logging.Logger("server")

type Options struct {
	Addr      string
	StaticDir string
	Deps      routes.Deps
}

type Server struct {
	http *http.Server
	ln   net.Listener
}

// Handler builds the full router.
func Handler(opt Options) http.Handler {
	r := mux.NewRouter()
	routes.Register(r, opt.Deps)
	if opt.StaticDir != "" {
		r.PathPrefix("/").Handler(spaHandler{dir: opt.StaticDir}).Methods(http.MethodGet, http.MethodHead)
	}
	return r
}

func New(opt Options) *Server {
	return &Server{http: &http.Server{
		Addr:              opt.Addr,
		Handler:           Handler(opt),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Listen binds the address so the caller learns about port conflicts before
// Serve runs in the background.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Infof("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, once Listen succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.http.Addr
	}
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown. It never returns http.ErrServerClosed.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Upgraded
// websockets are not waited for; the hub closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// spaHandler serves files from dir and falls back to index.html for client
// side routes.
type spaHandler struct {
	dir string
}

func (h spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}
	rel := filepath.FromSlash(filepath.Clean("/" + r.URL.Path))
	path := filepath.Join(h.dir, rel)
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		http.ServeFile(w, r, path)
		return
	}
	noCache(w)
	http.ServeFile(w, r, filepath.Join(h.dir, "index.html"))
}

// noCache keeps browsers from pinning an old index.html.
func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
