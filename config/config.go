package config

import (
	"errors"
	"regexp"
	"runtime"
	"time"
)

// StorageBackend selects the storage adapter.
type StorageBackend string

const (
	StorageLocal StorageBackend = "local"
	StorageS3    StorageBackend = "s3"
)

// DefaultDimensionLimit is the largest width or height accepted by default.
const DefaultDimensionLimit = 16384

// CodecBackend selects the image codec.
type CodecBackend string

const (
	CodecVips    CodecBackend = "vips"
	CodecImaging CodecBackend = "imaging"
)

// Config is the top-level configuration struct.  All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Processing ProcessingConfig `yaml:"processing"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Signature  SignatureConfig  `yaml:"signature"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// ProcessingConfig controls codec admission and parameter limits.
type ProcessingConfig struct {
	Backend        CodecBackend  `yaml:"backend"`
	Concurrency    int           `yaml:"concurrency"` // codec permits; default: runtime.NumCPU()
	DimensionLimit int           `yaml:"dimension_limit"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	Vips           VipsConfig    `yaml:"vips"`
}

// VipsConfig is passed to libvips at startup.
type VipsConfig struct {
	MaxCacheSize int  `yaml:"max_cache_size"`
	ReportLeaks  bool `yaml:"report_leaks"`
}

// FetchConfig configures the outbound image fetcher.
type FetchConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Timeout            time.Duration `yaml:"timeout"`       // per hop
	ChainTimeout       time.Duration `yaml:"chain_timeout"` // whole redirect chain
	MaxBytes           int64         `yaml:"max_bytes"`
	AllowedHosts       string        `yaml:"allowed_hosts"` // regular expression, empty = any
	SSRFProtection     bool          `yaml:"ssrf_protection"`
	UserAgent          string        `yaml:"user_agent"`
	Concurrency        int           `yaml:"concurrency"`
	PerHostConcurrency int64         `yaml:"per_host_concurrency"` // 0 = unlimited
}

// PipelineConfig bounds batch requests.
type PipelineConfig struct {
	MaxTasks int `yaml:"max_tasks"`
}

// StorageConfig selects and configures the upload target.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	Local   LocalConfig    `yaml:"local"`
	S3      S3Config       `yaml:"s3"`
}

// LocalConfig configures the local filesystem storage adapter.
type LocalConfig struct {
	RootDir     string `yaml:"root_dir"`
	BaseURL     string `yaml:"base_url"`
	Permissions uint32 `yaml:"permissions"` // default 0644
}

// S3Config configures the AWS S3 storage adapter.
type S3Config struct {
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"` // optional custom endpoint (MinIO, etc.)
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	PublicBaseURL   string        `yaml:"public_base_url"`
	MaxRetries      uint64        `yaml:"max_retries"`
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
}

// CacheConfig configures transform result caching. Zero values disable a tier.
type CacheConfig struct {
	MemoryBytes int64  `yaml:"memory_bytes"`
	DiskDir     string `yaml:"disk_dir"`
}

// SignatureConfig lists hex-encoded HMAC keys. Empty disables verification.
type SignatureConfig struct {
	Keys []string `yaml:"keys"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  60 * time.Second,
			MaxBodyBytes:    50 << 20,
			CORSOrigins:     []string{"*"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Processing: ProcessingConfig{
			Backend:        CodecVips,
			Concurrency:    runtime.NumCPU(),
			DimensionLimit: DefaultDimensionLimit,
			MaxRetries:     0,
			RetryDelay:     200 * time.Millisecond,
		},
		Fetch: FetchConfig{
			Enabled:        true,
			Timeout:        10 * time.Second,
			ChainTimeout:   60 * time.Second,
			MaxBytes:       50 << 20,
			SSRFProtection: true,
			UserAgent:      "imaged",
			Concurrency:    64,
		},
		Pipeline: PipelineConfig{MaxTasks: 32},
		Storage: StorageConfig{
			Backend: StorageLocal,
			Local:   LocalConfig{RootDir: "./data/uploads", Permissions: 0o644},
			S3: S3Config{
				Region:          "us-east-1",
				MaxRetries:      3,
				RetryMaxElapsed: 10 * time.Second,
			},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr must not be empty")
	}
	if c.Processing.Concurrency < 1 {
		return errors.New("config: processing.concurrency must be at least 1")
	}
	if c.Processing.DimensionLimit < 1 {
		return errors.New("config: processing.dimension_limit must be positive")
	}
	switch c.Processing.Backend {
	case CodecVips, CodecImaging:
	default:
		return errors.New("config: processing.backend must be vips or imaging")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("config: fetch.timeout must be positive")
	}
	if c.Fetch.MaxBytes <= 0 {
		return errors.New("config: fetch.max_bytes must be positive")
	}
	if c.Fetch.Concurrency < 1 {
		return errors.New("config: fetch.concurrency must be at least 1")
	}
	if c.Fetch.AllowedHosts != "" {
		if _, err := regexp.Compile(c.Fetch.AllowedHosts); err != nil {
			return errors.New("config: fetch.allowed_hosts is not a valid regular expression")
		}
	}
	if c.Pipeline.MaxTasks < 1 {
		return errors.New("config: pipeline.max_tasks must be at least 1")
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.Local.RootDir == "" {
			return errors.New("config: storage.local.root_dir must not be empty")
		}
	case StorageS3:
		if c.Storage.S3.Region == "" {
			return errors.New("config: storage.s3.region must not be empty")
		}
	default:
		return errors.New("config: storage.backend must be local or s3")
	}
	if c.Cache.MemoryBytes < 0 {
		return errors.New("config: cache.memory_bytes must not be negative")
	}
	return nil
}
