// Package config loads the broker configuration from the environment and the
// apps definition file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/beamsock/beamd/internal/apps"
)

// Config is the full environment-driven configuration. A .env file in the
// working directory is folded in before parsing; real environment variables
// win.
type Config struct {
	Host string `env:"BEAMD_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"BEAMD_PORT" envDefault:"6001"`

	SSLCertFile string `env:"BEAMD_SSL_CERT"`
	SSLKeyFile  string `env:"BEAMD_SSL_KEY"`

	AppsFile string `env:"BEAMD_APPS_FILE" envDefault:"apps.yaml"`

	BroadcastSocketEnabled bool   `env:"BEAMD_BROADCAST_SOCKET_ENABLED" envDefault:"true"`
	BroadcastSocket        string `env:"BEAMD_BROADCAST_SOCKET" envDefault:"/tmp/beamd-broadcast.sock"`

	MaxRequestSizeKB   int     `env:"BEAMD_MAX_REQUEST_SIZE_KB" envDefault:"2048"`
	MaxConnections     int     `env:"BEAMD_MAX_CONNECTIONS" envDefault:"0"`
	CPURejectThreshold float64 `env:"BEAMD_CPU_REJECT_THRESHOLD" envDefault:"90"`

	MessageBurst  int     `env:"BEAMD_MESSAGE_BURST" envDefault:"100"`
	MessagePerSec float64 `env:"BEAMD_MESSAGES_PER_SEC" envDefault:"10"`

	StatisticsEnabled   bool          `env:"BEAMD_STATISTICS_ENABLED" envDefault:"true"`
	StatisticsInterval  time.Duration `env:"BEAMD_STATISTICS_INTERVAL" envDefault:"60s"`
	StatisticsRetention time.Duration `env:"BEAMD_STATISTICS_RETENTION" envDefault:"720h"`

	// Optional backends. Empty disables the integration.
	PostgresDSN string `env:"BEAMD_POSTGRES_DSN"`
	RedisAddr   string `env:"BEAMD_REDIS_ADDR"`
	NATSURL     string `env:"BEAMD_NATS_URL"`

	RestartMarkerFile string `env:"BEAMD_RESTART_MARKER_FILE" envDefault:"/tmp/beamd-restart.json"`

	LogLevel  string `env:"BEAMD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BEAMD_LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot possibly run.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if (c.SSLCertFile == "") != (c.SSLKeyFile == "") {
		return fmt.Errorf("ssl cert and key must be set together")
	}
	if c.MaxRequestSizeKB < 1 {
		return fmt.Errorf("max request size must be at least 1 KB")
	}
	if c.StatisticsInterval < time.Second {
		return fmt.Errorf("statistics interval %s too small", c.StatisticsInterval)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

type appsFile struct {
	Apps []apps.App `yaml:"apps"`
}

// LoadApps parses the apps definition file:
//
//	apps:
//	  - id: "1234"
//	    key: websocketkey
//	    secret: websocketsecret
//	    name: My App
//	    capacity: 1000
//	    client_messages_enabled: true
//	    statistics_enabled: true
//	    allowed_origins:
//	      - example.com
func LoadApps(path string) ([]apps.App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apps file: %w", err)
	}

	var parsed appsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse apps file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(parsed.Apps))
	for _, app := range parsed.Apps {
		if app.ID == "" || app.Key == "" || app.Secret == "" {
			return nil, fmt.Errorf("app %q: id, key and secret are required", app.ID)
		}
		if _, dup := seen[app.ID]; dup {
			return nil, fmt.Errorf("duplicate app id %q", app.ID)
		}
		seen[app.ID] = struct{}{}
	}
	return parsed.Apps, nil
}
