package main

import (
	"context"
	"fmt"

	"rentescrow/internal/config"
	"rentescrow/internal/db"
	"rentescrow/internal/escrow"
	"rentescrow/internal/idempotency"
	"rentescrow/internal/metrics"
	"rentescrow/internal/projection"
	"rentescrow/internal/relay"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg        *config.AppConfig
	logger     *zap.Logger
	metrics    *metrics.Registry
	pool       *pgxpool.Pool
	projection *projection.PostgresStore
	memory     *escrow.MemorySink
	relay      *relay.Relay
	backend    escrow.Backend
	store      idempotency.Store
	closers    []func()
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

// newSinks connects the projection database when configured and builds the
// relay that fans events out to every sink.
func newSinks(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), memory: escrow.NewMemorySink()}

	targets := []relay.Target{{Name: "memory", Sink: a.memory}}
	if cfg.Database.DSN != "" {
		pool, err := db.NewPool(ctx, cfg.Database.DSN, int32(cfg.Database.MaxConns))
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.projection = projection.NewPostgresStore(pool)
		targets = append(targets, relay.Target{Name: "projection", Sink: a.projection})
	}

	a.relay = relay.New(relay.Config{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		DLQPath:           cfg.Service.DLQPath,
	}, logger.Named("relay"), a.metrics, targets...)
	a.relay.UpdateDLQDepth()
	return a, nil
}

func newApp(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*app, error) {
	a, err := newSinks(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if a.projection != nil {
		if err := a.projection.Migrate(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	if err := a.buildBackend(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.buildStore(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildBackend(ctx context.Context) error {
	if a.cfg.UseChain() {
		eth, err := escrow.NewEthBackend(ctx, escrow.EthBackendConfig{
			RPCURL:         a.cfg.Chain.RPCURL,
			PrivateKeyHex:  a.cfg.Chain.PrivateKey,
			FactoryAddress: a.cfg.Chain.FactoryAddress,
			ReceiptTimeout: a.cfg.Chain.ReceiptTimeout,
		})
		if err != nil {
			return fmt.Errorf("eth backend: %w", err)
		}
		a.closers = append(a.closers, eth.Close)
		a.backend = eth
		a.logger.Info("using deployed contracts",
			zap.String("factory", a.cfg.Chain.FactoryAddress),
			zap.String("signer", eth.Signer().Hex()),
		)
		return nil
	}

	registry, err := newRegistry(a.cfg, a.relay, a.logger.Named("escrow"))
	if err != nil {
		return err
	}
	a.backend = escrow.NewLocalBackend(registry)
	a.logger.Info("using in-process registry", zap.String("registry", a.cfg.Escrow.RegistryAddress))
	return nil
}

func newRegistry(cfg *config.AppConfig, sink escrow.Sink, logger *zap.Logger) (*escrow.Registry, error) {
	policy, err := cfg.SettlementPolicy()
	if err != nil {
		return nil, err
	}
	pricer, err := cfg.ExtensionPricer()
	if err != nil {
		return nil, err
	}
	balances, err := cfg.Balances()
	if err != nil {
		return nil, err
	}

	ledger := escrow.NewMemoryLedger()
	for addr, amount := range balances {
		ledger.Fund(addr, amount)
	}

	return escrow.NewRegistry(escrow.Options{
		Address: common.HexToAddress(cfg.Escrow.RegistryAddress),
		Ledger:  ledger,
		Pricer:  pricer,
		Policy:  policy,
		Arbiter: common.HexToAddress(cfg.Escrow.Arbiter),
		Sink:    sink,
		Logger:  logger,
	}), nil
}

func (a *app) buildStore(ctx context.Context) error {
	switch a.cfg.Service.IdempotencyDriver {
	case config.DriverSQLite:
		st, err := idempotency.NewSQLiteStore(a.cfg.Service.IdempotencyStorePath)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		a.store = st
	case config.DriverPostgres:
		if a.pool == nil {
			return fmt.Errorf("idempotency store: postgres driver without database")
		}
		st, err := idempotency.NewPostgresStore(ctx, a.pool)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		a.store = st
	default:
		a.store = idempotency.NewMemoryStore()
	}
	return nil
}

// events returns the reader behind the events endpoint.
func (a *app) events() escrow.EventReader {
	if a.projection != nil {
		return a.projection
	}
	return a.memory
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
