package config

import (
	"strings"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{"DATABASE_URL": "postgres://localhost/test"}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(MapLookup(baseEnv()))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Import.MaxFileSize != 52428800 {
		t.Errorf("Import.MaxFileSize = %d, want %d", cfg.Import.MaxFileSize, 52428800)
	}
	if cfg.Import.MaxRows != 100000 {
		t.Errorf("Import.MaxRows = %d, want %d", cfg.Import.MaxRows, 100000)
	}
	if cfg.Import.ChunkSize != 1000 {
		t.Errorf("Import.ChunkSize = %d, want %d", cfg.Import.ChunkSize, 1000)
	}
	if cfg.Import.BatchTimeout != 2*time.Hour {
		t.Errorf("Import.BatchTimeout = %v, want %v", cfg.Import.BatchTimeout, 2*time.Hour)
	}
	if cfg.Runner.Mode != "inline" {
		t.Errorf("Runner.Mode = %q, want inline", cfg.Runner.Mode)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /metrics", cfg.Metrics)
	}
}

func TestLoad_Overrides(t *testing.T) {
	env := baseEnv()
	env["SERVER_PORT"] = "9090"
	env["IMPORT_MAX_CONCURRENT"] = "8"
	env["IMPORT_SWEEP_INTERVAL"] = "1m"
	env["RUNNER_MODE"] = "redis"
	env["LOG_LEVEL"] = "debug"

	cfg, err := LoadFrom(MapLookup(env))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}
	if cfg.Import.MaxConcurrent != 8 {
		t.Errorf("Import.MaxConcurrent = %d, want %d", cfg.Import.MaxConcurrent, 8)
	}
	if cfg.Import.SweepInterval != time.Minute {
		t.Errorf("Import.SweepInterval = %v, want 1m", cfg.Import.SweepInterval)
	}
	if cfg.Runner.Mode != "redis" {
		t.Errorf("Runner.Mode = %q, want redis", cfg.Runner.Mode)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_SecurityLists(t *testing.T) {
	env := baseEnv()
	env["REQUIRE_API_KEY"] = "true"
	env["API_KEYS"] = "alpha, beta"
	env["TRUSTED_PROXIES"] = "10.0.0.0/8"

	cfg, err := LoadFrom(MapLookup(env))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if len(cfg.Security.APIKeys) != 2 || cfg.Security.APIKeys[1] != "beta" {
		t.Errorf("Security.APIKeys = %q, want [alpha beta]", cfg.Security.APIKeys)
	}
	if len(cfg.Security.TrustedProxies) != 1 {
		t.Errorf("Security.TrustedProxies = %q, want one entry", cfg.Security.TrustedProxies)
	}
}

func TestLoad_AltEnvVar(t *testing.T) {
	cfg, err := LoadFrom(MapLookup(map[string]string{"DB_URL": "postgres://localhost/alt"}))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Database.URL != "postgres://localhost/alt" {
		t.Errorf("Database.URL = %q, want postgres://localhost/alt", cfg.Database.URL)
	}
}

func TestLoad_MemoryDriverNeedsNoURL(t *testing.T) {
	cfg, err := LoadFrom(MapLookup(map[string]string{"STORE_DRIVER": "memory"}))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Database.URL != "" {
		t.Errorf("Database.URL = %q, want empty", cfg.Database.URL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing database url", map[string]string{}, "DATABASE_URL is required"},
		{"chunk size too small", map[string]string{"IMPORT_CHUNK_SIZE": "50"}, "IMPORT_CHUNK_SIZE"},
		{"chunk size too large", map[string]string{"IMPORT_CHUNK_SIZE": "20000"}, "IMPORT_CHUNK_SIZE"},
		{"bad runner", map[string]string{"RUNNER_MODE": "celery"}, "RUNNER_MODE"},
		{"bad store", map[string]string{"STORE_DRIVER": "sqlite"}, "STORE_DRIVER"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"pool sizes", map[string]string{"DB_MAX_CONNS": "2", "DB_MIN_CONNS": "5"}, "DB_MAX_CONNS (2)"},
		{"metrics path", map[string]string{"METRICS_PATH": "metrics"}, "METRICS_PATH"},
		{"api key required", map[string]string{"REQUIRE_API_KEY": "true"}, "API_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := tt.env
			if _, ok := env["DATABASE_URL"]; !ok && tt.name != "missing database url" {
				env["DATABASE_URL"] = "postgres://localhost/test"
			}

			_, err := LoadFrom(MapLookup(env))
			if err == nil {
				t.Fatal("LoadFrom() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SERVER_PORT", "eighty"},
		{"IMPORT_BATCH_TIMEOUT", "soon"},
		{"RATE_LIMIT_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		env := baseEnv()
		env[tt.key] = tt.value
		_, err := LoadFrom(MapLookup(env))
		if err == nil || !strings.Contains(err.Error(), tt.key) {
			t.Errorf("%s=%q: error = %v, want mention of key", tt.key, tt.value, err)
		}
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg, err := LoadFrom(MapLookup(baseEnv()))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	cfg.Server.Port = 0
	cfg.Import.MaxRows = 0
	cfg.Import.UploadDir = ""

	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"SERVER_PORT", "IMPORT_MAX_ROWS", "IMPORT_UPLOAD_DIR"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %s: %v", want, err)
		}
	}
}

func TestPopulate_RequiredAndSlices(t *testing.T) {
	type sample struct {
		Name  string   `env:"NAME" required:"true"`
		Hosts []string `env:"HOSTS"`
		Bytes int64    `env:"BYTES" default:"10"`
	}

	var s sample
	if err := Populate(&s, MapLookup(map[string]string{})); err == nil {
		t.Fatal("Populate() expected required error")
	}

	err := Populate(&s, MapLookup(map[string]string{"NAME": "x", "HOSTS": " a, b ,,c "}))
	if err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	if len(s.Hosts) != 3 || s.Hosts[1] != "b" {
		t.Errorf("Hosts = %v, want [a b c]", s.Hosts)
	}
	if s.Bytes != 10 {
		t.Errorf("Bytes = %d, want 10", s.Bytes)
	}

	if err := Populate(s, MapLookup(nil)); err == nil {
		t.Error("Populate(non-pointer) expected error")
	}
}

func TestString_MasksSecrets(t *testing.T) {
	cfg, err := LoadFrom(MapLookup(map[string]string{"DATABASE_URL": "postgres://user:secret@db/x"}))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	s := cfg.String()
	if strings.Contains(s, "secret") {
		t.Errorf("String() leaks credentials: %s", s)
	}
	if !strings.Contains(s, "[MASKED]") {
		t.Errorf("String() = %s, want masked url", s)
	}
}

func TestServerAddr(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 9000}
	if got := c.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q", got)
	}
	c.Host = ""
	if got := c.Addr(); got != ":9000" {
		t.Errorf("Addr() = %q", got)
	}
}
