package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Backend BackendConfig
	Chat    ChatConfig
	Storage StorageConfig
	Log     LogConfig
	Server  ServerConfig
}

type BackendConfig struct {
	BaseURL string
	// Timeout is a Go duration string. Empty means no client-side timeout.
	Timeout string
}

type ChatConfig struct {
	TopK int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// ServerConfig configures the local stand-in backend.
type ServerConfig struct {
	Port int
}

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:8009",
		},
		Chat: ChatConfig{
			TopK: 5,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Port: 8009,
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.docchat.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/docchat/config.json.
//
// Environment variables (DOCCHAT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid value in cfg.
func (c Config) Validate() error {
	if err := validateBaseURL(c.Backend.BaseURL); err != nil {
		return err
	}
	if _, err := c.BackendTimeout(); err != nil {
		return err
	}
	if c.Chat.TopK <= 0 {
		return fmt.Errorf("invalid chat.top_k %d: must be positive", c.Chat.TopK)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// BackendTimeout parses Backend.Timeout. Zero means no timeout.
func (c Config) BackendTimeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.Backend.Timeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid backend.timeout %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid backend.timeout %q: must not be negative", raw)
	}
	return d, nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid backend.base_url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend.base_url %q: want an absolute http(s) URL", raw)
	}
	return nil
}
