package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var overrideVars = []string{
	"MT5_TERMINAL_ADDR", "MT5_TERMINAL_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DATA_DIR", "SUPABASE_URL", "SUPABASE_ANON_KEY", "SUPABASE_JWT_SECRET",
	"ENCRYPTION_SERVICE_URL", "MT5_ENCRYPTION_KEY", "LOG_LEVEL", "ALPACA_BASE_URL",
	"ALPACA_DATA_URL", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "PORT",
	"CORS_ORIGINS", "MT5_FAST_SERVERS", "MT5_KNOWN_SERVERS", "MT5_LOGIN_BURST",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range overrideVars {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mt5bridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  host: "0.0.0.0"
  port: 9000
  cors_origins: ["https://app.example.com"]
terminal:
  driver: simulator
  address: "terminal:50051"
  login_timeout: 30s
  fast_servers: ["MetaQuotes"]
  workers: 2
storage:
  driver: sqlite
  sqlite_path: "/tmp/bridge.db"
  data_dir: "/tmp/bars"
trading:
  deviation: 20
  magic: 42
  comment: "desk"
  max_volume: 5
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Errorf("Server.Addr() = %q, want %q", cfg.Server.Addr(), "0.0.0.0:9000")
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Terminal.Driver != "simulator" || cfg.Terminal.Address != "terminal:50051" {
		t.Errorf("Terminal = %+v", cfg.Terminal)
	}
	if cfg.Terminal.LoginTimeout != 30*time.Second {
		t.Errorf("Terminal.LoginTimeout = %v, want 30s", cfg.Terminal.LoginTimeout)
	}
	if cfg.Terminal.FastLoginTimeout != 15*time.Second {
		t.Errorf("Terminal.FastLoginTimeout = %v, want 15s", cfg.Terminal.FastLoginTimeout)
	}
	if cfg.Terminal.Workers != 2 {
		t.Errorf("Terminal.Workers = %d, want 2", cfg.Terminal.Workers)
	}
	if cfg.Storage.SQLitePath != "/tmp/bridge.db" || cfg.Storage.DataDir != "/tmp/bars" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Trading.Deviation != 20 || cfg.Trading.Magic != 42 || cfg.Trading.Comment != "desk" {
		t.Errorf("Trading = %+v", cfg.Trading)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Server.Port", cfg.Server.Port, 8000},
		{"Server.StreamInterval", cfg.Server.StreamInterval, 2 * time.Second},
		{"Terminal.Driver", cfg.Terminal.Driver, "grpc"},
		{"Terminal.LoginTimeout", cfg.Terminal.LoginTimeout, 45 * time.Second},
		{"Terminal.Workers", cfg.Terminal.Workers, 4},
		{"Terminal.LoginsPerMinute", cfg.Terminal.LoginsPerMinute, 30},
		{"Terminal.LoginBurst", cfg.Terminal.LoginBurst, 1},
		{"Storage.Driver", cfg.Storage.Driver, "sqlite"},
		{"Auth.IssuerMatch", cfg.Auth.IssuerMatch, "supabase"},
		{"Trading.Deviation", cfg.Trading.Deviation, 10},
		{"Trading.Magic", cfg.Trading.Magic, int64(123456)},
		{"Trading.Comment", cfg.Trading.Comment, "API Trade"},
		{"Logging.Level", cfg.Logging.Level, "info"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
terminal:
  address: "from-file:1"
alpaca:
  api_key: "file-key"
`)
	t.Setenv("MT5_TERMINAL_ADDR", "from-env:2")
	t.Setenv("DATABASE_URL", "postgres://u@db/bridge")
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("PORT", "8123")
	t.Setenv("MT5_FAST_SERVERS", "MetaQuotes, ICMarkets ,")
	t.Setenv("MT5_KNOWN_SERVERS", "Acme-Live")
	t.Setenv("MT5_LOGIN_BURST", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Terminal.Address != "from-env:2" {
		t.Errorf("Terminal.Address = %q, want from-env:2", cfg.Terminal.Address)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver = %q, want postgres when DATABASE_URL is set", cfg.Storage.Driver)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want env-key", cfg.Alpaca.APIKey)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Server.Port = %d, want 8123", cfg.Server.Port)
	}
	if len(cfg.Terminal.FastServers) != 2 || cfg.Terminal.FastServers[1] != "ICMarkets" {
		t.Errorf("Terminal.FastServers = %v", cfg.Terminal.FastServers)
	}
	if len(cfg.Terminal.KnownServers) != 1 || cfg.Terminal.KnownServers[0] != "Acme-Live" {
		t.Errorf("Terminal.KnownServers = %v", cfg.Terminal.KnownServers)
	}
	if cfg.Terminal.LoginBurst != 3 {
		t.Errorf("Terminal.LoginBurst = %d, want 3", cfg.Terminal.LoginBurst)
	}
}

func TestEnvBadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() should reject a non-numeric PORT")
	}
}

func TestEnvBadLoginBurst(t *testing.T) {
	clearEnv(t)
	t.Setenv("MT5_LOGIN_BURST", "many")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() should reject a non-numeric MT5_LOGIN_BURST")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should fail on invalid YAML")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("MT5BRIDGE_CONFIG", "")
	if got := PathFromEnv(); got != DefaultPath {
		t.Errorf("PathFromEnv() = %q, want %q", got, DefaultPath)
	}
	t.Setenv("MT5BRIDGE_CONFIG", "/etc/bridge.yaml")
	if got := PathFromEnv(); got != "/etc/bridge.yaml" {
		t.Errorf("PathFromEnv() = %q, want /etc/bridge.yaml", got)
	}
}
