package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/echocrypt/pkg/config"
	"github.com/Mindburn-Labs/echocrypt/pkg/contentstore"
)

var envKeys = []string{
	"ECHOCRYPT_PROFILE", "LOG_LEVEL", "LOG_FORMAT", "DATA_DIR",
	"ECHOCRYPT_STORAGE_TYPE", "AWS_REGION", "ECHOCRYPT_S3_REGION", "ECHOCRYPT_S3_BUCKET",
	"ECHOCRYPT_LEDGER", "DATABASE_URL", "ECHOCRYPT_CONFIRMATIONS", "ECHOCRYPT_EVM_RPC_URL",
	"ECHOCRYPT_EVM_CONTRACT", "REDIS_URL", "ECHOCRYPT_MAX_PAYLOAD_BYTES",
	"ECHOCRYPT_CONFIRM_TIMEOUT", "ECHOCRYPT_SUBMIT_RATE", "ECHOCRYPT_RETRY_ATTEMPTS",
	"ECHOCRYPT_TELEMETRY",
}

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies the registry boots with a local setup and no
// environment.
func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, config.LedgerLocal, cfg.Ledger.Backend)
	assert.Equal(t, filepath.Join("data", "chain.db"), cfg.Ledger.DatabaseURL)
	assert.Equal(t, contentstore.StoreTypeFS, cfg.StoreOptions().Type)
	assert.Empty(t, cfg.Cache.RedisURL)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, int64(10<<20), cfg.Registration.MaxPayloadBytes)
}

// TestLoad_Overrides verifies 12-factor environment control.
func TestLoad_Overrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("DATABASE_URL", "postgres://registry@db:5432/echocrypt?sslmode=disable")
	t.Setenv("ECHOCRYPT_CONFIRMATIONS", "6")
	t.Setenv("ECHOCRYPT_STORAGE_TYPE", "s3")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("ECHOCRYPT_S3_BUCKET", "masters")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("ECHOCRYPT_CONFIRM_TIMEOUT", "90s")
	t.Setenv("ECHOCRYPT_SUBMIT_RATE", "2.5")
	t.Setenv("ECHOCRYPT_RETRY_ATTEMPTS", "7")
	t.Setenv("ECHOCRYPT_TELEMETRY", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "postgres://registry@db:5432/echocrypt?sslmode=disable", cfg.Ledger.DatabaseURL)
	assert.EqualValues(t, 6, cfg.Ledger.Confirmations)
	assert.Equal(t, "redis://cache:6379/0", cfg.Cache.RedisURL)

	opts := cfg.StoreOptions()
	assert.Equal(t, contentstore.StoreTypeS3, opts.Type)
	assert.Equal(t, "eu-west-1", opts.S3Region)
	assert.Equal(t, "masters", opts.S3Bucket)

	rc := cfg.CoordinatorConfig()
	assert.Equal(t, 90*time.Second, rc.ConfirmTimeout)
	assert.InDelta(t, 2.5, float64(rc.SubmitRate), 1e-9)
	assert.Equal(t, 7, rc.Retry.MaxAttempts)
	assert.True(t, cfg.ObservabilityConfig().Enabled)
}

func TestLoad_ProfileUnderEnvironment(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "staging.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: WARN
data_dir: /var/lib/echocrypt
ledger:
  backend: evm
  rpc_url: http://geth:8545
  contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  confirmations: 3
  poll_interval: 2s
registration:
  pending_staleness: 45s
  submit_burst: 2
`), 0o600))

	t.Setenv("ECHOCRYPT_PROFILE", path)
	t.Setenv("LOG_LEVEL", "ERROR")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "ERROR", cfg.LogLevel, "environment wins over profile")
	assert.Equal(t, config.LedgerEVM, cfg.Ledger.Backend)
	assert.Equal(t, "http://geth:8545", cfg.Ledger.RPCURL)
	assert.EqualValues(t, 3, cfg.Ledger.Confirmations)
	assert.Equal(t, 2*time.Second, cfg.Ledger.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.Registration.PendingStaleness)
	assert.Equal(t, 2, cfg.Registration.SubmitBurst)
	assert.Equal(t, filepath.Join("/var/lib/echocrypt", "chain.db"), cfg.Ledger.DatabaseURL)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Registration.ConfirmTimeout)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"ECHOCRYPT_CONFIRM_TIMEOUT": "soon"}},
		{"bad integer", map[string]string{"ECHOCRYPT_CONFIRMATIONS": "-1"}},
		{"unknown ledger", map[string]string{"ECHOCRYPT_LEDGER": "paper"}},
		{"evm without rpc", map[string]string{"ECHOCRYPT_LEDGER": "evm", "ECHOCRYPT_EVM_CONTRACT": "0x01"}},
		{"evm without contract", map[string]string{"ECHOCRYPT_LEDGER": "evm", "ECHOCRYPT_EVM_RPC_URL": "http://x"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"missing profile", map[string]string{"ECHOCRYPT_PROFILE": "/nonexistent/profile.yaml"}},
		{"zero attempts", map[string]string{"ECHOCRYPT_RETRY_ATTEMPTS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
