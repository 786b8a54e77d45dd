package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Engine inputs.
	MonitorConfigFile string // optional MonitoringConfig YAML; defaults apply when empty
	CatalogFile       string // optional query and index metadata YAML

	// Logging.
	LogLevel slog.Level

	// Transport.
	Transport       string // "stdio" (default) or "http"
	HTTPAddr        string // listen address for HTTP transport (default ":8080")
	HTTPBearerToken string // required when transport=http

	// Event archive. Resolved events stay in memory when empty.
	ArchiveDatabaseURL string

	// Connection pool for the archive.
	PoolMaxConns        int32         // default: 5
	PoolMinConns        int32         // default: 1
	PoolMaxConnLifetime time.Duration // default: 30m

	// Observability.
	OTelEnabled     bool    // enable OpenTelemetry tracing and metrics
	OTelSampleRatio float64 // fraction of root traces kept; 0 keeps all

	// CLI-only fields (not settable via env vars).
	AuditLog string // path to NDJSON audit log file
}

// Overrides holds CLI flag values that override environment variables.
// Pointer fields distinguish "not set" from zero values.
type Overrides struct {
	MonitorConfigFile  *string
	CatalogFile        *string
	LogLevel           *string
	Transport          *string
	HTTPAddr           *string
	HTTPBearerToken    *string
	ArchiveDatabaseURL *string
	OTelEnabled        bool
	OTelSampleRatio    *float64
	AuditLog           string

	// Connection pool overrides.
	PoolMaxConns        *int32
	PoolMinConns        *int32
	PoolMaxConnLifetime *time.Duration
}

// Load builds a Config from environment variables, then applies CLI overrides,
// then validates the result.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config populated with default values.
func defaults() *Config {
	return &Config{
		LogLevel:            slog.LevelInfo,
		Transport:           "stdio",
		HTTPAddr:            ":8080",
		PoolMaxConns:        5,
		PoolMinConns:        1,
		PoolMaxConnLifetime: 30 * time.Minute,
	}
}

// envBinding decodes one environment variable into the config. set is only
// called for non-empty values.
type envBinding struct {
	key string
	set func(v string) error
}

func envBindings(cfg *Config) []envBinding {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	return []envBinding{
		{"MONITOR_CONFIG", str(&cfg.MonitorConfigFile)},
		{"CATALOG_FILE", str(&cfg.CatalogFile)},
		{"ARCHIVE_DATABASE_URL", str(&cfg.ArchiveDatabaseURL)},
		{"TRANSPORT", str(&cfg.Transport)},
		{"HTTP_ADDR", str(&cfg.HTTPAddr)},
		{"HTTP_BEARER_TOKEN", str(&cfg.HTTPBearerToken)},
		{"LOG_LEVEL", func(v string) (err error) {
			cfg.LogLevel, err = parseLogLevel(v)
			return err
		}},
		{"OTEL_ENABLED", func(v string) (err error) {
			cfg.OTelEnabled, err = strconv.ParseBool(v)
			return err
		}},
		{"OTEL_SAMPLE_RATIO", func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 || f > 1 {
				return errors.New("must be a number between 0 and 1")
			}
			cfg.OTelSampleRatio = f
			return nil
		}},
		{"POOL_MAX_CONNS", func(v string) error {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil || n <= 0 {
				return errors.New("must be a positive integer")
			}
			cfg.PoolMaxConns = int32(n)
			return nil
		}},
		{"POOL_MIN_CONNS", func(v string) error {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil || n < 0 {
				return errors.New("must be a non-negative integer")
			}
			cfg.PoolMinConns = int32(n)
			return nil
		}},
		{"POOL_MAX_CONN_LIFETIME", func(v string) (err error) {
			cfg.PoolMaxConnLifetime, err = time.ParseDuration(v)
			return err
		}},
	}
}

// loadEnvVars reads all supported environment variables into cfg.
func loadEnvVars(cfg *Config) error {
	for _, b := range envBindings(cfg) {
		v := os.Getenv(b.key)
		if v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("invalid %s value %q: %w", b.key, v, err)
		}
	}
	return nil
}

// applyOverrides applies CLI flag values on top of the env-loaded config.
func applyOverrides(cfg *Config, o Overrides) error {
	if o.MonitorConfigFile != nil {
		cfg.MonitorConfigFile = *o.MonitorConfigFile
	}
	if o.CatalogFile != nil {
		cfg.CatalogFile = *o.CatalogFile
	}
	if o.LogLevel != nil {
		level, err := parseLogLevel(*o.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level (LOG_LEVEL) value %q: %w", *o.LogLevel, err)
		}
		cfg.LogLevel = level
	}
	if o.Transport != nil {
		cfg.Transport = *o.Transport
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.HTTPBearerToken != nil {
		cfg.HTTPBearerToken = *o.HTTPBearerToken
	}
	if o.ArchiveDatabaseURL != nil {
		cfg.ArchiveDatabaseURL = *o.ArchiveDatabaseURL
	}

	if err := applyPoolOverrides(cfg, o); err != nil {
		return err
	}

	if o.OTelSampleRatio != nil {
		if r := *o.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("invalid --otel-sample-ratio value %v: must be between 0 and 1", r)
		}
		cfg.OTelSampleRatio = *o.OTelSampleRatio
	}

	cfg.AuditLog = o.AuditLog
	cfg.OTelEnabled = cfg.OTelEnabled || o.OTelEnabled

	return nil
}

// applyPoolOverrides applies connection pool CLI flag overrides.
func applyPoolOverrides(cfg *Config, o Overrides) error {
	if o.PoolMaxConns != nil {
		if *o.PoolMaxConns <= 0 {
			return fmt.Errorf("invalid --pool-max-conns value: must be a positive integer")
		}
		cfg.PoolMaxConns = *o.PoolMaxConns
	}
	if o.PoolMinConns != nil {
		if *o.PoolMinConns < 0 {
			return fmt.Errorf("invalid --pool-min-conns value: must be a non-negative integer")
		}
		cfg.PoolMinConns = *o.PoolMinConns
	}
	if o.PoolMaxConnLifetime != nil {
		cfg.PoolMaxConnLifetime = *o.PoolMaxConnLifetime
	}
	return nil
}

// validate checks cross-field constraints on the final config.
func validate(cfg *Config) error {
	switch cfg.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid TRANSPORT value %q: must be \"stdio\" or \"http\"", cfg.Transport)
	}

	if cfg.Transport == "http" && cfg.HTTPBearerToken == "" {
		return fmt.Errorf("HTTP_BEARER_TOKEN is required when transport is \"http\" (set via env var or --http-bearer-token flag)")
	}

	if cfg.PoolMinConns > cfg.PoolMaxConns {
		return fmt.Errorf("POOL_MIN_CONNS (%d) must not exceed POOL_MAX_CONNS (%d)", cfg.PoolMinConns, cfg.PoolMaxConns)
	}

	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("must be debug, info, warn or error")
	}
}
