// Package app assembles a running server from a config: storage, the chat
// store, presence, signaling, the websocket gateway and the HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/gateway"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/ice"
	"github.com/petervdpas/parley/internal/realtime"
	"github.com/petervdpas/parley/internal/server"
	"github.com/petervdpas/parley/internal/server/routes"
	"github.com/petervdpas/parley/internal/state"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("app")

const shutdownTimeout = 10 * time.Second

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// SkipLogSetup leaves the global go-log configuration alone.
	SkipLogSetup bool

	// Ready, if set, is called with the bound address once the server
	// accepts connections.
	Ready func(addr string)
}

// Run serves until ctx is done, then shuts down in order: stop accepting
// HTTP, close websockets, write a final snapshot.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if !opt.SkipLogSetup {
		if err := setupLogging(cfg.Log); err != nil {
			return err
		}
	}
	logBuf := server.NewLogBuffer(800)
	stopCapture := logBuf.Capture()
	defer stopCapture()

	// ── Storage
	storePath := util.ResolvePath(opt.Dir, cfg.Storage.Path)
	store, closeStore, err := storage.OpenStore(cfg.Storage.Driver, storePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warnf("close storage: %v", err)
		}
	}()

	// ── Core components
	hub := realtime.NewHub()
	notifier := gateway.HubNotifier{Hub: hub}

	chats := chat.New(chat.Options{
		Notifier:     notifier,
		Store:        store,
		DeleteWindow: time.Duration(cfg.Chat.DeleteWindowHours) * time.Hour,
	})
	if err := chats.Load(ctx); err != nil {
		return err
	}

	registry := state.NewRegistry(chats, notifier)
	sig := gateway.Signaler{Registry: registry, Hub: hub}
	calls := call.New(sig, chats, cfg.Call.MaxPendingICE)
	groups := group.New(sig)

	authSvc := auth.New(chats, auth.Options{
		Secret:     cfg.Auth.Secret,
		TTL:        time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
		BcryptCost: cfg.Auth.BcryptCost,
	})

	var override string
	if cfg.ICE.OverrideFile != "" {
		override = util.ResolvePath(opt.Dir, cfg.ICE.OverrideFile)
	}
	iceProvider := ice.New(ice.Options{
		APIKey:       cfg.ICE.MeteredAPIKey,
		URL:          cfg.ICE.MeteredURL,
		Timeout:      time.Duration(cfg.ICE.TimeoutSeconds) * time.Second,
		OverrideFile: override,
	})
	if err := iceProvider.Watch(); err != nil {
		log.Warnf("ice override watch disabled: %v", err)
	}
	defer iceProvider.Close()

	gw := gateway.New(gateway.Options{
		Hub:            hub,
		Registry:       registry,
		Chats:          chats,
		Calls:          calls,
		Groups:         groups,
		Auth:           authSvc,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Gateway.SendBuffer,
		MaxFrameBytes:  cfg.Gateway.MaxFrameBytes,
		RateLimitConn:  cfg.Gateway.RateLimitPerConn,
		RateLimitTotal: cfg.Gateway.RateLimitGlobal,
	})

	var staticDir string
	if cfg.Server.StaticDir != "" {
		staticDir = util.ResolvePath(opt.Dir, cfg.Server.StaticDir)
	}
	srv := server.New(server.Options{
		Addr:      cfg.Server.HTTPAddr,
		StaticDir: staticDir,
		Deps: routes.Deps{
			Auth:     authSvc,
			Chats:    chats,
			Registry: registry,
			Calls:    calls,
			Groups:   groups,
			ICE:      iceProvider,
			Logs:     logBuf,
			WS:       http.HandlerFunc(gw.ServeWS),
		},
	})
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.HTTPAddr, err)
	}

	logBanner(opt.Dir, opt.CfgPath, cfg, LocalURL(srv.Addr()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	flushCtx, stopFlusher := context.WithCancel(context.Background())
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		chats.RunFlusher(flushCtx, time.Duration(cfg.Storage.FlushSeconds)*time.Second)
	}()

	if opt.Ready != nil {
		opt.Ready(srv.Addr())
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websockets are not tracked by http.Server; close them
	// ourselves once no new ones can arrive.
	if err := srv.Shutdown(sctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	hub.Close()
	calls.Close()

	stopFlusher()
	<-flusherDone
	if err := chats.Flush(sctx); err != nil {
		log.Errorf("final flush: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	log.Info("stopped")
	return runErr
}
