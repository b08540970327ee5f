package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"rentescrow/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, time.Minute, cfg.Service.SignatureSkew)
	assert.Equal(t, DriverMemory, cfg.Service.IdempotencyDriver)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.False(t, cfg.UseChain())

	policy, err := cfg.SettlementPolicy()
	require.NoError(t, err)
	assert.Equal(t, escrow.AmountToTenant, policy)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	_, err := Load()
	require.Error(t, err)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"service": {"httpPort": 8080, "idempotencyDriver": "sqlite"},
		"escrow": {
			"arbiter": "0x00000000000000000000000000000000000000a1",
			"settlementPolicy": "owner",
			"pricer": "flat",
			"flatRate": "5",
			"balances": {"0x00000000000000000000000000000000000000b1": "1000"}
		},
		"retry": {"maxAttempts": 7},
		"log": {"level": "debug"}
	}`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("LOG_DEVELOPMENT", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, DriverSQLite, cfg.Service.IdempotencyDriver)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)

	policy, err := cfg.SettlementPolicy()
	require.NoError(t, err)
	assert.Equal(t, escrow.AmountToOwner, policy)

	pricer, err := cfg.ExtensionPricer()
	require.NoError(t, err)
	assert.Equal(t, "5", pricer.(escrow.FlatRatePricer).Rate.String())

	balances, err := cfg.Balances()
	require.NoError(t, err)
	assert.Equal(t, "1000", balances[common.HexToAddress("0x00000000000000000000000000000000000000b1")].String())
}

func TestValidate(t *testing.T) {
	base := func() *AppConfig { return resolve(&FileConfig{}) }

	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"bad port", func(c *AppConfig) { c.Service.HTTPPort = 70000 }, "http port"},
		{"unknown driver", func(c *AppConfig) { c.Service.IdempotencyDriver = "redis" }, "idempotency driver"},
		{"postgres without dsn", func(c *AppConfig) { c.Service.IdempotencyDriver = DriverPostgres }, "database.dsn"},
		{"chain without factory", func(c *AppConfig) { c.Chain.PrivateKey = "abc" }, "factoryAddress"},
		{"bad arbiter", func(c *AppConfig) { c.Escrow.Arbiter = "nope" }, "escrow.arbiter"},
		{"bad policy", func(c *AppConfig) { c.Escrow.SettlementPolicy = "split" }, "settlement policy"},
		{"flat without rate", func(c *AppConfig) { c.Escrow.Pricer = PricerFlat }, "flat extension rate"},
		{"bad balance", func(c *AppConfig) { c.Escrow.Balances = map[string]string{"0x01": "x"} }, "balance"},
	}

	require.NoError(t, base().Validate())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
