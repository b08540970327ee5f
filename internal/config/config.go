package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rentescrow/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
)

// FileConfig models config.json. Durations are stored as integer seconds or
// milliseconds, as named.
type FileConfig struct {
	Service struct {
		HTTPPort              int    `json:"httpPort"`
		SignatureSkewSeconds  int    `json:"signatureSkewSeconds"`
		IdempotencyWindowSecs int    `json:"idempotencyWindowSeconds"`
		IdempotencyDriver     string `json:"idempotencyDriver"`
		IdempotencyStorePath  string `json:"idempotencyStorePath"`
		InsecureAuth          bool   `json:"insecureAuth"`
		DLQPath               string `json:"dlqPath"`
		ShutdownTimeoutSecs   int    `json:"shutdownTimeoutSeconds"`
	} `json:"service"`
	Chain struct {
		RPCURL                string `json:"rpcUrl"`
		FactoryAddress        string `json:"factoryAddress"`
		ReceiptTimeoutSeconds int    `json:"receiptTimeoutSeconds"`
	} `json:"chain"`
	Escrow struct {
		RegistryAddress  string            `json:"registryAddress"`
		Arbiter          string            `json:"arbiter"`
		SettlementPolicy string            `json:"settlementPolicy"`
		Pricer           string            `json:"pricer"`
		FlatRate         string            `json:"flatRate"`
		Balances         map[string]string `json:"balances"`
	} `json:"escrow"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Database struct {
		DSN      string `json:"dsn"`
		MaxConns int    `json:"maxConns"`
	} `json:"database"`
	Log struct {
		Level       string `json:"level"`
		Development bool   `json:"development"`
	} `json:"log"`
}

// AppConfig is the resolved configuration of the service.
type AppConfig struct {
	Service  ServiceConfig
	Chain    ChainConfig
	Escrow   EscrowConfig
	Retry    RetryConfig
	Database DatabaseConfig
	Log      LogConfig
}

type ServiceConfig struct {
	HTTPPort             int
	SignatureSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyDriver    string
	IdempotencyStorePath string
	InsecureAuth         bool
	DLQPath              string
	ShutdownTimeout      time.Duration
}

type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	FactoryAddress string
	ReceiptTimeout time.Duration
}

// EscrowConfig configures the in-process registry. Balances seeds the
// in-memory ledger and is meant for local runs.
type EscrowConfig struct {
	RegistryAddress  string
	Arbiter          string
	SettlementPolicy string
	Pricer           string
	FlatRate         string
	Balances         map[string]string
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type DatabaseConfig struct {
	DSN      string
	MaxConns int
}

type LogConfig struct {
	Level       string
	Development bool
}

const (
	defaultConfigPath = "config.json"

	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	PricerProRata = "prorata"
	PricerFlat    = "flat"
)

// Load reads CONFIG_PATH (default config.json) and applies environment
// overrides. A missing default file is not an error.
func Load() (*AppConfig, error) {
	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	fileCfg, err := loadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		fileCfg, err = &FileConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg := resolve(fileCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolve(f *FileConfig) *AppConfig {
	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", orInt(f.Service.HTTPPort, 3000)),
		SignatureSkew:        seconds(envOrInt("SIGNATURE_SKEW_SECONDS", orInt(f.Service.SignatureSkewSeconds, 60))),
		IdempotencyWindow:    seconds(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", orInt(f.Service.IdempotencyWindowSecs, 86400))),
		IdempotencyDriver:    strings.ToLower(envOr("IDEMPOTENCY_DRIVER", orString(f.Service.IdempotencyDriver, DriverMemory))),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", orString(f.Service.IdempotencyStorePath, filepath.Join(os.TempDir(), "rentescrow-idem.db"))),
		InsecureAuth:         envOrBool("INSECURE_AUTH", f.Service.InsecureAuth),
		DLQPath:              envOr("DLQ_PATH", f.Service.DLQPath),
		ShutdownTimeout:      seconds(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", orInt(f.Service.ShutdownTimeoutSecs, 15))),
	}

	chainCfg := ChainConfig{
		RPCURL:         envOr("CHAIN_RPC_URL", f.Chain.RPCURL),
		PrivateKey:     envOr("CHAIN_PRIVATE_KEY", ""),
		FactoryAddress: envOr("RENTAL_FACTORY_ADDRESS", f.Chain.FactoryAddress),
		ReceiptTimeout: seconds(envOrInt("RECEIPT_TIMEOUT_SECONDS", orInt(f.Chain.ReceiptTimeoutSeconds, 60))),
	}

	escrowCfg := EscrowConfig{
		RegistryAddress:  envOr("REGISTRY_ADDRESS", f.Escrow.RegistryAddress),
		Arbiter:          envOr("ESCROW_ARBITER", f.Escrow.Arbiter),
		SettlementPolicy: envOr("SETTLEMENT_POLICY", f.Escrow.SettlementPolicy),
		Pricer:           strings.ToLower(envOr("EXTENSION_PRICER", orString(f.Escrow.Pricer, PricerProRata))),
		FlatRate:         envOr("EXTENSION_FLAT_RATE", f.Escrow.FlatRate),
		Balances:         f.Escrow.Balances,
	}

	retryCfg := RetryConfig{
		MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", orInt(f.Retry.MaxAttempts, 3)),
		InitialBackoff:    time.Duration(envOrInt("RETRY_INITIAL_BACKOFF_MS", orInt(f.Retry.InitialBackoffMs, 500))) * time.Millisecond,
		MaxBackoff:        time.Duration(envOrInt("RETRY_MAX_BACKOFF_MS", orInt(f.Retry.MaxBackoffMs, 5000))) * time.Millisecond,
		BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", orInt(f.Retry.BackoffMultiplier, 2)),
	}

	return &AppConfig{
		Service: serviceCfg,
		Chain:   chainCfg,
		Escrow:  escrowCfg,
		Retry:   retryCfg,
		Database: DatabaseConfig{
			DSN:      envOr("DATABASE_URL", f.Database.DSN),
			MaxConns: envOrInt("DATABASE_MAX_CONNS", orInt(f.Database.MaxConns, 10)),
		},
		Log: LogConfig{
			Level:       envOr("LOG_LEVEL", orString(f.Log.Level, "info")),
			Development: envOrBool("LOG_DEVELOPMENT", f.Log.Development),
		},
	}
}

// Validate reports the first inconsistency in the resolved configuration.
func (c *AppConfig) Validate() error {
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("config: invalid http port %d", c.Service.HTTPPort)
	}
	if c.Service.SignatureSkew <= 0 {
		return fmt.Errorf("config: signature skew must be positive")
	}
	switch c.Service.IdempotencyDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("config: postgres idempotency driver needs database.dsn")
		}
	default:
		return fmt.Errorf("config: unknown idempotency driver %q", c.Service.IdempotencyDriver)
	}
	if c.UseChain() && !common.IsHexAddress(c.Chain.FactoryAddress) {
		return fmt.Errorf("config: chain.factoryAddress is required with a signing key")
	}
	for name, addr := range map[string]string{
		"escrow.registryAddress": c.Escrow.RegistryAddress,
		"escrow.arbiter":         c.Escrow.Arbiter,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("config: %s is not an address: %q", name, addr)
		}
	}
	if _, err := c.SettlementPolicy(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.ExtensionPricer(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Balances(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// UseChain reports whether operations go to deployed contracts instead of the
// in-process registry.
func (c *AppConfig) UseChain() bool {
	return c.Chain.PrivateKey != ""
}

func (c *AppConfig) SettlementPolicy() (escrow.SettlementPolicy, error) {
	return escrow.ParseSettlementPolicy(c.Escrow.SettlementPolicy)
}

func (c *AppConfig) ExtensionPricer() (escrow.ExtensionPricer, error) {
	switch c.Escrow.Pricer {
	case "", PricerProRata:
		return escrow.ProRataPricer{}, nil
	case PricerFlat:
		rate, ok := new(big.Int).SetString(c.Escrow.FlatRate, 10)
		if !ok || rate.Sign() < 0 {
			return nil, fmt.Errorf("invalid flat extension rate %q", c.Escrow.FlatRate)
		}
		return escrow.FlatRatePricer{Rate: rate}, nil
	default:
		return nil, fmt.Errorf("unknown extension pricer %q", c.Escrow.Pricer)
	}
}

// Balances parses the seeded ledger balances.
func (c *AppConfig) Balances() (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(c.Escrow.Balances))
	for addr, amount := range c.Escrow.Balances {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("balance for invalid address %q", addr)
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid balance %q for %s", amount, addr)
		}
		out[common.HexToAddress(addr)] = v
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
