package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves an environment variable. It has the shape of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// MapLookup adapts a map to a LookupFunc.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from the process environment, applies defaults
// and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with an explicit variable source.
func LoadFrom(lookup LookupFunc) (*Config, error) {
	cfg := &Config{}

	if err := Populate(cfg, lookup); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Populate fills the tagged fields of the struct pointed to by dst.
// Nested structs are walked recursively.
func Populate(dst any, lookup LookupFunc) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("populate: want pointer to struct, got %T", dst)
	}
	return populate(v.Elem(), lookup)
}

func populate(v reflect.Value, lookup LookupFunc) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)

		if !fv.CanSet() {
			continue
		}
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := populate(fv, lookup); err != nil {
				return err
			}
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}

		value, ok := lookupNonEmpty(lookup, name)
		if !ok {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value, ok = lookupNonEmpty(lookup, alt)
			}
		}
		if !ok {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", name)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fv, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, value, err)
		}
	}
	return nil
}

func lookupNonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func setField(field reflect.Value, value string) error {
	value = strings.TrimSpace(value)

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		var out []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate checks cross-field constraints and returns every failure at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER (%q) must be one of: postgres, memory", c.Database.Driver))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	if c.Import.UploadDir == "" {
		errs = append(errs, "IMPORT_UPLOAD_DIR must not be empty")
	}
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Import.MaxRows <= 0 {
		errs = append(errs, "IMPORT_MAX_ROWS must be positive")
	}
	if c.Import.ChunkSize < 100 || c.Import.ChunkSize > 10000 {
		errs = append(errs, fmt.Sprintf("IMPORT_CHUNK_SIZE (%d) must be 100-10000", c.Import.ChunkSize))
	}
	if c.Import.MaxConcurrent <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT must be positive")
	}
	if c.Import.MaxWaitTime <= 0 {
		errs = append(errs, "IMPORT_MAX_WAIT_TIME must be positive")
	}
	if c.Import.BatchTimeout < 0 {
		errs = append(errs, "IMPORT_BATCH_TIMEOUT must be non-negative")
	}
	if c.Import.SweepInterval <= 0 {
		errs = append(errs, "IMPORT_SWEEP_INTERVAL must be positive")
	}
	if c.Import.StaleAfter <= 0 {
		errs = append(errs, "IMPORT_STALE_AFTER must be positive")
	}

	switch strings.ToLower(c.Runner.Mode) {
	case "inline":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "REDIS_URL is required when RUNNER_MODE=redis")
		}
		if c.Redis.QueueKey == "" {
			errs = append(errs, "REDIS_QUEUE_KEY must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("RUNNER_MODE (%q) must be one of: inline, redis", c.Runner.Mode))
	}

	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}

	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "API_KEYS must be set when REQUIRE_API_KEY is true")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("METRICS_PATH (%q) must start with /", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String renders the config for logging with connection strings masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Addr: %q}, ", c.Server.Addr())
	fmt.Fprintf(&b, "Database: {Driver: %q, URL: %s, MaxConns: %d}, ",
		c.Database.Driver, mask(c.Database.URL), c.Database.MaxConns)
	fmt.Fprintf(&b, "Import: {MaxFileSize: %d, MaxRows: %d, ChunkSize: %d, MaxConcurrent: %d}, ",
		c.Import.MaxFileSize, c.Import.MaxRows, c.Import.ChunkSize, c.Import.MaxConcurrent)
	fmt.Fprintf(&b, "Runner: {Mode: %q}, Redis: {URL: %s}, ", c.Runner.Mode, mask(c.Redis.URL))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return `""`
	}
	return "[MASKED]"
}
