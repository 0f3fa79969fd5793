package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/parley/internal/util"
)

type Config struct {
	Server  Server  `json:"server"`
	Auth    Auth    `json:"auth"`
	Storage Storage `json:"storage"`
	Chat    Chat    `json:"chat"`
	Call    Call    `json:"call"`
	Gateway Gateway `json:"gateway"`
	ICE     ICE     `json:"ice"`
	Log     Log     `json:"log"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`

	// Optional directory with a built web client. Unknown paths fall back to
	// index.html. Relative to the data directory. Empty disables static serving.
	StaticDir string `json:"static_dir"`

	// Origins accepted on the websocket upgrade. Empty accepts any origin.
	AllowedOrigins []string `json:"allowed_origins"`
}

type Auth struct {
	// HMAC key for session tokens. Empty generates a random key at startup,
	// which invalidates every issued token on restart.
	Secret        string `json:"secret"`
	TokenTTLHours int    `json:"token_ttl_hours"`
	BcryptCost    int    `json:"bcrypt_cost"`
}

type Storage struct {
	Driver       string `json:"driver"` // "sqlite" or "json"
	Path         string `json:"path"`
	FlushSeconds int    `json:"flush_seconds"`
}

type Chat struct {
	DeleteWindowHours int `json:"delete_window_hours"`
}

type Call struct {
	MaxPendingICE int `json:"max_pending_ice"`
}

type Gateway struct {
	SendBuffer       int   `json:"send_buffer"`
	MaxFrameBytes    int64 `json:"max_frame_bytes"`
	RateLimitPerConn int   `json:"rate_limit_per_conn"` // commands per minute
	RateLimitGlobal  int   `json:"rate_limit_global"`   // commands per minute
}

type ICE struct {
	MeteredAPIKey  string `json:"metered_api_key"`
	MeteredURL     string `json:"metered_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	// JSON array of ICE server descriptors replacing the built-in fallback
	// list. Relative to the data directory. Watched for changes.
	OverrideFile string `json:"override_file"`
}

type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "color", "nocolor" or "json"
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr: ":3001",
		},
		Auth: Auth{
			TokenTTLHours: 7 * 24,
			BcryptCost:    10,
		},
		Storage: Storage{
			Driver:       "sqlite",
			Path:         "data/parley.db",
			FlushSeconds: 120,
		},
		Chat: Chat{
			DeleteWindowHours: 48,
		},
		Call: Call{
			MaxPendingICE: 64,
		},
		Gateway: Gateway{
			SendBuffer:       128,
			MaxFrameBytes:    1 << 20,
			RateLimitPerConn: 600,
			RateLimitGlobal:  20000,
		},
		ICE: ICE{
			MeteredURL:     "https://parley.metered.live/api/v1/turn/credentials",
			TimeoutSeconds: 5,
			OverrideFile:   "ice_servers.json",
		},
		Log: Log{
			Level:  "info",
			Format: "color",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil {
		return fmt.Errorf("server.http_addr: %w", err)
	}

	// Auth
	if c.Auth.TokenTTLHours <= 0 {
		return errors.New("auth.token_ttl_hours must be > 0")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return errors.New("auth.bcrypt_cost must be 4..31")
	}

	// Storage
	switch c.Storage.Driver {
	case "sqlite", "json":
	default:
		return errors.New("storage.driver must be sqlite or json")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Storage.FlushSeconds <= 0 {
		return errors.New("storage.flush_seconds must be > 0")
	}

	if c.Chat.DeleteWindowHours <= 0 {
		return errors.New("chat.delete_window_hours must be > 0")
	}
	if c.Call.MaxPendingICE < 0 {
		return errors.New("call.max_pending_ice must be >= 0")
	}

	// Gateway
	if c.Gateway.SendBuffer <= 0 {
		return errors.New("gateway.send_buffer must be > 0")
	}
	if c.Gateway.MaxFrameBytes < 1024 {
		return errors.New("gateway.max_frame_bytes must be >= 1024")
	}
	if c.Gateway.RateLimitPerConn <= 0 {
		return errors.New("gateway.rate_limit_per_conn must be > 0")
	}
	if c.Gateway.RateLimitGlobal <= 0 {
		return errors.New("gateway.rate_limit_global must be > 0")
	}

	// ICE
	if c.ICE.TimeoutSeconds < 1 || c.ICE.TimeoutSeconds > 60 {
		return errors.New("ice.timeout_seconds must be 1..60")
	}
	if c.ICE.MeteredAPIKey != "" {
		u, err := url.Parse(c.ICE.MeteredURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("ice.metered_url must be an http(s) url when metered_api_key is set")
		}
	}

	switch c.Log.Format {
	case "", "color", "nocolor", "json":
	default:
		return errors.New("log.format must be color, nocolor or json")
	}

	return nil
}

// ApplyEnv overrides fields from environment variables. getenv is usually
// os.Getenv. A bare PORT (as set by most hosting platforms) binds all
// interfaces.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PARLEY_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	} else if v := getenv("PORT"); v != "" {
		c.Server.HTTPAddr = ":" + v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := getenv("METERED_API_KEY"); v != "" {
		c.ICE.MeteredAPIKey = v
	}
	if v := getenv("PARLEY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation, starting from defaults
// so missing fields stay initialized.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(util.StripBOM(b), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
