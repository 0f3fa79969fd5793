package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/config"
)

// setupLogging applies the configured level and format to every go-log
// subsystem.
func setupLogging(c config.Log) error {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}
	format := logging.ColorizedOutput
	switch c.Format {
	case "nocolor":
		format = logging.PlaintextOutput
	case "json":
		format = logging.JSONOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})
	return nil
}

// LocalURL turns a listen address into something a browser on this machine
// can open.
func LocalURL(addr string) string {
	a := strings.TrimSpace(addr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	if strings.HasPrefix(a, "[::]:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "[::]:")
	}
	return "http://" + a
}

// WaitTCP dials addr until it accepts or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(dir, cfgPath string, cfg config.Config, url string) {
	log.Info("────────────────────────────────────────")
	log.Info("Parley chat server")
	log.Infof(" Data folder : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Storage     : %s (%s)", cfg.Storage.Driver, cfg.Storage.Path)
	log.Infof(" Listening   : %s", url)
	if cfg.Auth.Secret == "" {
		log.Info("")
		log.Info(" No auth secret set; sessions end with the process.")
	}
	log.Info("────────────────────────────────────────")
}
