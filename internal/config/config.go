// Package config loads platform configuration: a YAML file for tunables
// and the process environment for deployment wiring and secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DeploymentMode selects the hosting profile.
type DeploymentMode string

const (
	ModeCloud      DeploymentMode = "cloud"
	ModeSelfHosted DeploymentMode = "selfhosted"
)

// Config is the file-backed tunable set. Durations are expressed in the
// unit named by each field.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Poller    PollerConfig    `yaml:"poller"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port             string `yaml:"port"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
	RateLimit        int    `yaml:"rate_limit"`
	RateWindowS      int    `yaml:"rate_window_s"`
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutS) * time.Second
}
func (s ServerConfig) RateWindow() time.Duration { return time.Duration(s.RateWindowS) * time.Second }

type WebSocketConfig struct {
	PingIntervalMs    int `yaml:"ping_interval_ms"`
	PongTimeoutMs     int `yaml:"pong_timeout_ms"`
	ReaperIntervalMs  int `yaml:"reaper_interval_ms"`
	RoomTTLMs         int `yaml:"room_ttl_ms"`
	MetaTTLMs         int `yaml:"meta_ttl_ms"`
	PresenceTTLMs     int `yaml:"presence_ttl_ms"`
	MaxRoomsPerSocket int `yaml:"max_rooms_per_socket"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (w WebSocketConfig) PingInterval() time.Duration   { return ms(w.PingIntervalMs) }
func (w WebSocketConfig) PongTimeout() time.Duration    { return ms(w.PongTimeoutMs) }
func (w WebSocketConfig) ReaperInterval() time.Duration { return ms(w.ReaperIntervalMs) }
func (w WebSocketConfig) RoomTTL() time.Duration        { return ms(w.RoomTTLMs) }
func (w WebSocketConfig) MetaTTL() time.Duration        { return ms(w.MetaTTLMs) }
func (w WebSocketConfig) PresenceTTL() time.Duration    { return ms(w.PresenceTTLMs) }

type PollerConfig struct {
	IntervalS int `yaml:"interval_s"`
}

func (p PollerConfig) Interval() time.Duration { return time.Duration(p.IntervalS) * time.Second }

type TelemetryConfig struct {
	Endpoint     string `yaml:"endpoint"`
	LogsExporter string `yaml:"logs_exporter"`
	Headers      string `yaml:"headers"`
}

// Default returns production settings for everything the YAML file may
// override.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             "8080",
			ShutdownTimeoutS: 15,
			RateLimit:        300,
			RateWindowS:      60,
		},
		WebSocket: WebSocketConfig{
			PingIntervalMs:    25_000,
			PongTimeoutMs:     60_000,
			ReaperIntervalMs:  30_000,
			RoomTTLMs:         120_000,
			MetaTTLMs:         300_000,
			PresenceTTLMs:     90_000,
			MaxRoomsPerSocket: 20,
		},
		Poller: PollerConfig{IntervalS: 15},
	}
}

// Load reads the YAML config at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv sources a dotenv file if present and returns the effective
// deployment mode. Unset or unknown modes default to cloud.
func LoadEnv(dotenvPath string) DeploymentMode {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath)
	} else {
		_ = godotenv.Load()
	}
	return Mode(os.Getenv("DEPLOYMENT_MODE"))
}

// DatabaseURL returns the Postgres connection string. DATABASE_URL is the
// stable name; POSTGRES_DSN is honored as a legacy fallback.
func DatabaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	return os.Getenv("POSTGRES_DSN")
}

// Mode parses a DEPLOYMENT_MODE value.
func Mode(raw string) DeploymentMode {
	if DeploymentMode(raw) == ModeSelfHosted {
		return ModeSelfHosted
	}
	return ModeCloud
}
