// Package config loads the bridge configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when MT5BRIDGE_CONFIG is unset.
const DefaultPath = "config/mt5bridge.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the bridge.
type Config struct {
	Server     Server     `yaml:"server"`
	Terminal   Terminal   `yaml:"terminal"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Storage    Storage    `yaml:"storage"`
	Auth       Auth       `yaml:"auth"`
	Encryption Encryption `yaml:"encryption"`
	Trading    Trading    `yaml:"trading"`
	Logging    Logging    `yaml:"logging"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Terminal selects and tunes the terminal driver.
type Terminal struct {
	Driver           string        `yaml:"driver"` // grpc, alpaca or simulator
	Address          string        `yaml:"address"`
	LoginTimeout     time.Duration `yaml:"login_timeout"`
	FastLoginTimeout time.Duration `yaml:"fast_login_timeout"`
	FastServers      []string      `yaml:"fast_servers"`
	Workers          int           `yaml:"workers"`
	LoginsPerMinute  int           `yaml:"logins_per_minute"`
	LoginBurst       int           `yaml:"login_burst"`
	ConnectAttempts  int           `yaml:"connect_attempts"`
	// KnownServers extends the server-name suggestions offered to clients.
	KnownServers []string `yaml:"known_servers"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Storage configures account and journal persistence plus the bar archive.
type Storage struct {
	Driver      string `yaml:"driver"` // postgres or sqlite
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`
	DataDir     string `yaml:"data_dir"`
}

// Auth configures bearer token verification.
type Auth struct {
	JWTSecret       string `yaml:"jwt_secret"`
	IssuerMatch     string `yaml:"issuer_match"`
	SupabaseURL     string `yaml:"supabase_url"`
	SupabaseAnonKey string `yaml:"supabase_anon_key"`
}

// Encryption configures the credential cipher chain.
type Encryption struct {
	ServiceURL string `yaml:"service_url"`
	LocalKey   string `yaml:"local_key"`
}

// Trading holds order defaults.
type Trading struct {
	Deviation int     `yaml:"deviation"`
	Magic     int64   `yaml:"magic"`
	Comment   string  `yaml:"comment"`
	MaxVolume float64 `yaml:"max_volume"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// PathFromEnv returns MT5BRIDGE_CONFIG or DefaultPath.
func PathFromEnv() string {
	if v := os.Getenv("MT5BRIDGE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at path, applies environment
// overrides and fills defaults. A missing file is not an error: the bridge
// can run from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.StreamInterval == 0 {
		cfg.Server.StreamInterval = 2 * time.Second
	}
	if cfg.Terminal.Driver == "" {
		cfg.Terminal.Driver = "grpc"
	}
	if cfg.Terminal.Address == "" {
		cfg.Terminal.Address = "127.0.0.1:50051"
	}
	if cfg.Terminal.LoginTimeout == 0 {
		cfg.Terminal.LoginTimeout = 45 * time.Second
	}
	if cfg.Terminal.FastLoginTimeout == 0 {
		cfg.Terminal.FastLoginTimeout = 15 * time.Second
	}
	if cfg.Terminal.Workers == 0 {
		cfg.Terminal.Workers = 4
	}
	if cfg.Terminal.LoginsPerMinute == 0 {
		cfg.Terminal.LoginsPerMinute = 30
	}
	if cfg.Terminal.LoginBurst == 0 {
		cfg.Terminal.LoginBurst = 1
	}
	if cfg.Terminal.ConnectAttempts == 0 {
		cfg.Terminal.ConnectAttempts = 5
	}
	if cfg.Storage.Driver == "" {
		if cfg.Storage.PostgresDSN != "" {
			cfg.Storage.Driver = "postgres"
		} else {
			cfg.Storage.Driver = "sqlite"
		}
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/mt5bridge.db"
	}
	if cfg.Auth.IssuerMatch == "" {
		cfg.Auth.IssuerMatch = "supabase"
	}
	if cfg.Trading.Deviation == 0 {
		cfg.Trading.Deviation = 10
	}
	if cfg.Trading.Magic == 0 {
		cfg.Trading.Magic = 123456
	}
	if cfg.Trading.Comment == "" {
		cfg.Trading.Comment = "API Trade"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"MT5_TERMINAL_ADDR", &cfg.Terminal.Address},
		{"MT5_TERMINAL_DRIVER", &cfg.Terminal.Driver},
		{"DATABASE_URL", &cfg.Storage.PostgresDSN},
		{"SQLITE_PATH", &cfg.Storage.SQLitePath},
		{"DATA_DIR", &cfg.Storage.DataDir},
		{"SUPABASE_URL", &cfg.Auth.SupabaseURL},
		{"SUPABASE_ANON_KEY", &cfg.Auth.SupabaseAnonKey},
		{"SUPABASE_JWT_SECRET", &cfg.Auth.JWTSecret},
		{"ENCRYPTION_SERVICE_URL", &cfg.Encryption.ServiceURL},
		{"MT5_ENCRYPTION_KEY", &cfg.Encryption.LocalKey},
		{"LOG_LEVEL", &cfg.Logging.Level},
		{"ALPACA_BASE_URL", &cfg.Alpaca.BaseURL},
		{"ALPACA_DATA_URL", &cfg.Alpaca.DataURL},
		// Standard Alpaca env vars, the names the SDK itself reads.
		{"APCA_API_KEY_ID", &cfg.Alpaca.APIKey},
		{"APCA_API_SECRET_KEY", &cfg.Alpaca.APISecret},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT=%q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("MT5_LOGIN_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MT5_LOGIN_BURST=%q: %w", v, err)
		}
		cfg.Terminal.LoginBurst = burst
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("MT5_FAST_SERVERS"); v != "" {
		cfg.Terminal.FastServers = splitList(v)
	}
	if v := os.Getenv("MT5_KNOWN_SERVERS"); v != "" {
		cfg.Terminal.KnownServers = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
