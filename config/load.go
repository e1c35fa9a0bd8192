package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "IMAGED_"

// Loader reads configuration from an optional YAML file, an optional .env
// file and IMAGED_* environment variables, in that order of precedence
// (environment wins).
type Loader struct {
	useDotEnv bool
	lookupEnv func(string) (string, bool)
}

// NewLoader returns a Loader that reads .env and the process environment.
func NewLoader() *Loader {
	return &Loader{useDotEnv: true, lookupEnv: os.LookupEnv}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithLookup overrides environment lookup (useful for tests).
func (l *Loader) WithLookup(fn func(string) (string, bool)) *Loader {
	if fn != nil {
		l.lookupEnv = fn
	}
	return l
}

// Load builds a validated Config. A missing file at path is not an error.
func (l *Loader) Load(path string) (Config, error) {
	if l.useDotEnv {
		// .env is optional; the process environment is used when absent.
		_ = godotenv.Load()
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is shorthand for NewLoader().Load(path).
func Load(path string) (Config, error) { return NewLoader().Load(path) }

type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"SERVER_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"SERVER_MAX_BODY_BYTES", int64Setter(func(c *Config) *int64 { return &c.Server.MaxBodyBytes })},
	{"SERVER_REQUEST_TIMEOUT", durationSetter(func(c *Config) *time.Duration { return &c.Server.RequestTimeout })},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"PROCESSING_BACKEND", func(c *Config, v string) error { c.Processing.Backend = CodecBackend(v); return nil }},
	{"PROCESSING_CONCURRENCY", intSetter(func(c *Config) *int { return &c.Processing.Concurrency })},
	{"PROCESSING_DIMENSION_LIMIT", intSetter(func(c *Config) *int { return &c.Processing.DimensionLimit })},
	{"FETCH_ENABLED", boolSetter(func(c *Config) *bool { return &c.Fetch.Enabled })},
	{"FETCH_TIMEOUT", durationSetter(func(c *Config) *time.Duration { return &c.Fetch.Timeout })},
	{"FETCH_MAX_BYTES", int64Setter(func(c *Config) *int64 { return &c.Fetch.MaxBytes })},
	{"FETCH_ALLOWED_HOSTS", func(c *Config, v string) error { c.Fetch.AllowedHosts = v; return nil }},
	{"FETCH_SSRF_PROTECTION", boolSetter(func(c *Config) *bool { return &c.Fetch.SSRFProtection })},
	{"PIPELINE_MAX_TASKS", intSetter(func(c *Config) *int { return &c.Pipeline.MaxTasks })},
	{"STORAGE_BACKEND", func(c *Config, v string) error { c.Storage.Backend = StorageBackend(v); return nil }},
	{"STORAGE_LOCAL_ROOT_DIR", func(c *Config, v string) error { c.Storage.Local.RootDir = v; return nil }},
	{"STORAGE_LOCAL_BASE_URL", func(c *Config, v string) error { c.Storage.Local.BaseURL = v; return nil }},
	{"S3_REGION", func(c *Config, v string) error { c.Storage.S3.Region = v; return nil }},
	{"S3_ENDPOINT", func(c *Config, v string) error { c.Storage.S3.Endpoint = v; return nil }},
	{"S3_ACCESS_KEY_ID", func(c *Config, v string) error { c.Storage.S3.AccessKeyID = v; return nil }},
	{"S3_SECRET_ACCESS_KEY", func(c *Config, v string) error { c.Storage.S3.SecretAccessKey = v; return nil }},
	{"S3_USE_PATH_STYLE", boolSetter(func(c *Config) *bool { return &c.Storage.S3.UsePathStyle })},
	{"S3_PUBLIC_BASE_URL", func(c *Config, v string) error { c.Storage.S3.PublicBaseURL = v; return nil }},
	{"CACHE_MEMORY_BYTES", int64Setter(func(c *Config) *int64 { return &c.Cache.MemoryBytes })},
	{"CACHE_DISK_DIR", func(c *Config, v string) error { c.Cache.DiskDir = v; return nil }},
	{"SIGNATURE_KEYS", func(c *Config, v string) error { c.Signature.Keys = splitList(v); return nil }},
	{"METRICS_ENABLED", boolSetter(func(c *Config) *bool { return &c.Metrics.Enabled })},
}

func (l *Loader) applyEnv(c *Config) error {
	for _, b := range envBindings {
		v, ok := l.lookupEnv(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func int64Setter(field func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
