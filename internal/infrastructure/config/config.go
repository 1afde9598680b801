package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Spool         SpoolConfig         `mapstructure:"spool"`
	Transmitter   TransmitterConfig   `mapstructure:"transmitter"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type IngestConfig struct {
	EndpointURL string `mapstructure:"endpoint_url"`
	Product     string `mapstructure:"product"`
}

type SpoolConfig struct {
	Dir           string        `mapstructure:"dir"`
	CapacityBytes int64         `mapstructure:"capacity_bytes"`
	MaxFiles      int           `mapstructure:"max_files"`
	TrnTTL        time.Duration `mapstructure:"trn_ttl"`
	CorruptTTL    time.Duration `mapstructure:"corrupt_ttl"`
	TmpTTL        time.Duration `mapstructure:"tmp_ttl"`
	RetryDeadline time.Duration `mapstructure:"retry_deadline"`
	PeekScanLimit int           `mapstructure:"peek_scan_limit"`
}

type TransmitterConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Workers        int           `mapstructure:"workers"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	GCInterval     time.Duration `mapstructure:"gc_interval"`
}

// ServerConfig bounds the relay's ops HTTP server (health and metrics).
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("TELEMETRY")
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/telemetry")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Ingest.EndpointURL == "" {
		errs = append(errs, fmt.Errorf("ingest.endpoint_url is required"))
	} else if u, err := url.Parse(c.Ingest.EndpointURL); err != nil || !u.IsAbs() {
		errs = append(errs, fmt.Errorf("ingest.endpoint_url must be an absolute URL, got %q", c.Ingest.EndpointURL))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Spool.Dir == "" {
		errs = append(errs, fmt.Errorf("spool.dir is required"))
	}
	if c.Spool.CapacityBytes <= 0 {
		errs = append(errs, fmt.Errorf("spool.capacity_bytes must be positive"))
	}
	if c.Spool.MaxFiles <= 0 {
		errs = append(errs, fmt.Errorf("spool.max_files must be positive"))
	}
	if c.Spool.RetryDeadline <= 0 {
		errs = append(errs, fmt.Errorf("spool.retry_deadline must be positive"))
	}
	if c.Transmitter.Workers <= 0 {
		errs = append(errs, fmt.Errorf("transmitter.workers must be positive"))
	}
	if c.Transmitter.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transmitter.request_timeout must be positive"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Ingest defaults
	v.SetDefault("ingest.endpoint_url", "")
	v.SetDefault("ingest.product", "telemetry")

	// Spool defaults
	v.SetDefault("spool.dir", DefaultSpoolDir("telemetry"))
	v.SetDefault("spool.capacity_bytes", 10<<20)
	v.SetDefault("spool.max_files", 100)
	v.SetDefault("spool.trn_ttl", "720h")
	v.SetDefault("spool.corrupt_ttl", "168h")
	v.SetDefault("spool.tmp_ttl", "5m")
	v.SetDefault("spool.retry_deadline", "2h")
	v.SetDefault("spool.peek_scan_limit", 50)

	// Transmitter defaults
	v.SetDefault("transmitter.interval", "50ms")
	v.SetDefault("transmitter.request_timeout", "30s")
	v.SetDefault("transmitter.workers", 1)
	v.SetDefault("transmitter.initial_backoff", "1s")
	v.SetDefault("transmitter.max_backoff", "60s")
	v.SetDefault("transmitter.gc_interval", "5m")

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Instance ID
	v.SetDefault("instance_id", "relay-1")
}

// DefaultSpoolDir is the platform cache directory for the product's spool,
// falling back to the temp dir when the user cache cannot be resolved.
func DefaultSpoolDir(product string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, product, "spool")
}
