// Package config loads registry configuration from the environment, with
// an optional YAML profile underneath it.
//
// Precedence, lowest first: built-in defaults, the profile named by
// ECHOCRYPT_PROFILE, environment variables. Wallet keys are read by
// wallet.FromEnv and never appear in a profile.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/echocrypt/pkg/contentstore"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/observability"
	"github.com/Mindburn-Labs/echocrypt/pkg/registration"
	"github.com/Mindburn-Labs/echocrypt/pkg/retry"
)

// Ledger backends.
const (
	LedgerLocal = "local"
	LedgerEVM   = "evm"
)

// Config holds registry configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" | "json"
	DataDir   string `yaml:"data_dir"`

	Storage      StorageConfig      `yaml:"storage"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Cache        CacheConfig        `yaml:"cache"`
	Registration RegistrationConfig `yaml:"registration"`
	Retry        RetryConfig        `yaml:"retry"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// StorageConfig selects the content store.
type StorageConfig struct {
	Type       string `yaml:"type"` // "fs" | "s3" | "gcs" | "memory"
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`
	GCSBucket  string `yaml:"gcs_bucket"`
	GCSPrefix  string `yaml:"gcs_prefix"`
}

// LedgerConfig selects and tunes the ledger client.
type LedgerConfig struct {
	Backend       string        `yaml:"backend"` // "local" | "evm"
	DatabaseURL   string        `yaml:"database_url"`
	Confirmations uint64        `yaml:"confirmations"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SealInterval  time.Duration `yaml:"seal_interval"`
	RPCURL        string        `yaml:"rpc_url"`
	Contract      string        `yaml:"contract"`
	GasLimit      uint64        `yaml:"gas_limit"`
	// FromBlock is the registry deployment block; event scans start here.
	FromBlock     uint64        `yaml:"from_block"`
}

// CacheConfig selects the registry cache. An empty RedisURL uses memory.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url"`
	Disabled bool   `yaml:"disabled"`
}

// RegistrationConfig tunes the coordinator.
type RegistrationConfig struct {
	MaxPayloadBytes  int64         `yaml:"max_payload_bytes"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
	ConfirmPolls     int           `yaml:"confirm_polls"`
	PendingStaleness time.Duration `yaml:"pending_staleness"`
	FlightTimeout    time.Duration `yaml:"flight_timeout"`
	SubmitRate       float64       `yaml:"submit_rate"`
	SubmitBurst      int           `yaml:"submit_burst"`
}

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxJitter   time.Duration `yaml:"max_jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns the built-in configuration: filesystem storage and a
// SQLite-backed local chain under ./data.
func Default() *Config {
	reg := registration.DefaultConfig()
	tel := observability.DefaultConfig()
	return &Config{
		LogLevel:  "INFO",
		LogFormat: "text",
		DataDir:   "data",
		Storage:   StorageConfig{Type: string(contentstore.StoreTypeFS)},
		Ledger: LedgerConfig{
			Backend:       LedgerLocal,
			Confirmations: 1,
			PollInterval:  500 * time.Millisecond,
			SealInterval:  time.Second,
		},
		Registration: RegistrationConfig{
			MaxPayloadBytes:  fingerprint.DefaultMaxSize,
			ConfirmTimeout:   reg.ConfirmTimeout,
			ConfirmPolls:     reg.ConfirmPolls,
			PendingStaleness: reg.PendingStaleness,
			FlightTimeout:    reg.FlightTimeout,
			SubmitRate:       float64(reg.SubmitRate),
			SubmitBurst:      reg.SubmitBurst,
		},
		Retry: RetryConfig{
			Base:        retry.DefaultPolicy.Base,
			Max:         retry.DefaultPolicy.Max,
			MaxJitter:   retry.DefaultPolicy.MaxJitter,
			MaxAttempts: retry.DefaultPolicy.MaxAttempts,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    tel.OTLPEndpoint,
			Environment: tel.Environment,
			SampleRate:  tel.SampleRate,
			Insecure:    tel.Insecure,
		},
	}
}

// Load builds the configuration from defaults, the optional profile and the
// environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("ECHOCRYPT_PROFILE"); path != "" {
		if err := cfg.loadProfile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Ledger.DatabaseURL == "" {
		cfg.Ledger.DatabaseURL = filepath.Join(cfg.DataDir, "chain.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadProfile overlays the YAML file at path. Fields absent from the file
// keep their current values.
func (c *Config) loadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	e := envReader{}

	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_FORMAT", &c.LogFormat)
	e.str("DATA_DIR", &c.DataDir)

	e.str("ECHOCRYPT_STORAGE_TYPE", &c.Storage.Type)
	e.str("AWS_REGION", &c.Storage.S3Region)
	e.str("ECHOCRYPT_S3_REGION", &c.Storage.S3Region)
	e.str("ECHOCRYPT_S3_BUCKET", &c.Storage.S3Bucket)
	e.str("ECHOCRYPT_S3_ENDPOINT", &c.Storage.S3Endpoint)
	e.str("ECHOCRYPT_S3_PREFIX", &c.Storage.S3Prefix)
	e.str("ECHOCRYPT_GCS_BUCKET", &c.Storage.GCSBucket)
	e.str("ECHOCRYPT_GCS_PREFIX", &c.Storage.GCSPrefix)

	e.str("ECHOCRYPT_LEDGER", &c.Ledger.Backend)
	e.str("DATABASE_URL", &c.Ledger.DatabaseURL)
	e.uint("ECHOCRYPT_CONFIRMATIONS", &c.Ledger.Confirmations)
	e.duration("ECHOCRYPT_POLL_INTERVAL", &c.Ledger.PollInterval)
	e.duration("ECHOCRYPT_SEAL_INTERVAL", &c.Ledger.SealInterval)
	e.str("ECHOCRYPT_EVM_RPC_URL", &c.Ledger.RPCURL)
	e.str("ECHOCRYPT_EVM_CONTRACT", &c.Ledger.Contract)
	e.uint("ECHOCRYPT_EVM_GAS_LIMIT", &c.Ledger.GasLimit)
	e.uint("ECHOCRYPT_EVM_FROM_BLOCK", &c.Ledger.FromBlock)

	e.str("REDIS_URL", &c.Cache.RedisURL)
	e.boolean("ECHOCRYPT_CACHE_DISABLED", &c.Cache.Disabled)

	e.int64("ECHOCRYPT_MAX_PAYLOAD_BYTES", &c.Registration.MaxPayloadBytes)
	e.duration("ECHOCRYPT_CONFIRM_TIMEOUT", &c.Registration.ConfirmTimeout)
	e.integer("ECHOCRYPT_CONFIRM_POLLS", &c.Registration.ConfirmPolls)
	e.duration("ECHOCRYPT_PENDING_STALENESS", &c.Registration.PendingStaleness)
	e.duration("ECHOCRYPT_FLIGHT_TIMEOUT", &c.Registration.FlightTimeout)
	e.float("ECHOCRYPT_SUBMIT_RATE", &c.Registration.SubmitRate)
	e.integer("ECHOCRYPT_SUBMIT_BURST", &c.Registration.SubmitBurst)

	e.duration("ECHOCRYPT_RETRY_BASE", &c.Retry.Base)
	e.duration("ECHOCRYPT_RETRY_MAX", &c.Retry.Max)
	e.duration("ECHOCRYPT_RETRY_JITTER", &c.Retry.MaxJitter)
	e.integer("ECHOCRYPT_RETRY_ATTEMPTS", &c.Retry.MaxAttempts)

	e.boolean("ECHOCRYPT_TELEMETRY", &c.Telemetry.Enabled)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	e.str("ECHOCRYPT_ENV", &c.Telemetry.Environment)
	e.float("ECHOCRYPT_TRACE_SAMPLE_RATE", &c.Telemetry.SampleRate)

	return e.err
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case LedgerLocal:
	case LedgerEVM:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("config: ECHOCRYPT_EVM_RPC_URL is required for the evm ledger")
		}
		if c.Ledger.Contract == "" {
			return fmt.Errorf("config: ECHOCRYPT_EVM_CONTRACT is required for the evm ledger")
		}
	default:
		return fmt.Errorf("config: unsupported ledger backend %q", c.Ledger.Backend)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unsupported log format %q", c.LogFormat)
	}
	if c.Registration.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: max payload size must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry attempts must be positive")
	}
	return nil
}

// StoreOptions returns the content store options.
func (c *Config) StoreOptions() contentstore.Options {
	return contentstore.Options{
		Type:       contentstore.StoreType(c.Storage.Type),
		DataDir:    c.DataDir,
		S3Bucket:   c.Storage.S3Bucket,
		S3Region:   c.Storage.S3Region,
		S3Endpoint: c.Storage.S3Endpoint,
		S3Prefix:   c.Storage.S3Prefix,
		GCSBucket:  c.Storage.GCSBucket,
		GCSPrefix:  c.Storage.GCSPrefix,
	}
}

// RetryPolicy returns the retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Name:        "echocrypt",
		Base:        c.Retry.Base,
		Max:         c.Retry.Max,
		MaxJitter:   c.Retry.MaxJitter,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// CoordinatorConfig returns the registration coordinator configuration.
func (c *Config) CoordinatorConfig() registration.Config {
	return registration.Config{
		MaxPayloadSize:   c.Registration.MaxPayloadBytes,
		ConfirmTimeout:   c.Registration.ConfirmTimeout,
		ConfirmPolls:     c.Registration.ConfirmPolls,
		PendingStaleness: c.Registration.PendingStaleness,
		FlightTimeout:    c.Registration.FlightTimeout,
		Retry:            c.RetryPolicy(),
		SubmitRate:       rate.Limit(c.Registration.SubmitRate),
		SubmitBurst:      c.Registration.SubmitBurst,
	}
}

// ObservabilityConfig returns the telemetry provider configuration.
func (c *Config) ObservabilityConfig() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.Endpoint
	oc.Environment = c.Telemetry.Environment
	oc.SampleRate = c.Telemetry.SampleRate
	oc.Insecure = c.Telemetry.Insecure
	oc.ErrorClass = func(err error) string { return string(registration.Classify(err)) }
	return oc
}

// envReader applies set environment variables, keeping the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint(key string, dst *uint64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
