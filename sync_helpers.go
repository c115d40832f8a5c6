package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ubs-connector/ubssync/internal/config"
	"github.com/ubs-connector/ubssync/internal/lock"
	"github.com/ubs-connector/ubssync/internal/schema"
	"github.com/ubs-connector/ubssync/internal/store"
	"github.com/ubs-connector/ubssync/internal/sync"
)

// syncEnv is everything a command needs to talk to the stores and the
// run state. Fields a command did not ask for stay nil.
type syncEnv struct {
	cfg     *config.Resolved
	a, b    store.Store
	state   *sync.State
	catalog *schema.Catalog
	locks   *lock.FileProvider
}

// envNeeds selects which parts of syncEnv to open.
type envNeeds struct {
	stores  bool
	state   bool
	catalog bool
}

// openEnv opens what needs asks for. On error, everything opened so far is
// closed.
func openEnv(ctx context.Context, cfg *config.Resolved, needs envNeeds, logger *slog.Logger) (env *syncEnv, err error) {
	env = &syncEnv{
		cfg:   cfg,
		locks: lock.NewFileProvider(cfg.State.LockDir, logger),
	}

	defer func() {
		if err != nil {
			env.Close()
			env = nil
		}
	}()

	if needs.catalog {
		if env.catalog, err = config.LoadMapping(cfg.Sync.MappingFile); err != nil {
			return env, err
		}
	}

	if needs.state {
		if cfg.State.DBPath == "" {
			return env, errors.New("state.db_path not configured")
		}

		if env.state, err = sync.OpenState(ctx, cfg.State.DBPath, logger); err != nil {
			return env, err
		}
	}

	if needs.stores {
		if err := config.ValidateStores(&cfg.Config); err != nil {
			return env, err
		}

		policy := store.RetryPolicy{Attempts: cfg.Sync.RetryAttempts, Base: cfg.Timing.RetryBase}

		if env.a, err = openStore(ctx, "A", &cfg.StoreA, policy, store.BreakerSettings{}, logger); err != nil {
			return env, err
		}

		// Only the remote store gets a breaker: a dead network should fail
		// every remaining entity fast.
		breaker := store.BreakerSettings{
			Failures: uint32(cfg.Sync.BreakerFailures), //nolint:gosec // validated positive
			Timeout:  cfg.Timing.BreakerTimeout,
		}

		if env.b, err = openStore(ctx, "B", &cfg.StoreB, policy, breaker, logger); err != nil {
			return env, err
		}
	}

	return env, nil
}

func openStore(ctx context.Context, name string, sc *config.StoreConfig, policy store.RetryPolicy,
	breaker store.BreakerSettings, logger *slog.Logger,
) (store.Store, error) {
	dialect, err := store.ParseDialect(sc.Driver)
	if err != nil {
		return nil, fmt.Errorf("store_%s: %w", lowerSide(name), err)
	}

	s, err := store.Open(ctx, store.Options{
		Name:           name,
		Dialect:        dialect,
		DSN:            sc.DSN,
		MaxOpenConns:   sc.MaxOpenConns,
		NoTransactions: !sc.Transactions,
	}, logger)
	if err != nil {
		return nil, err
	}

	return store.NewResilient(s, policy, breaker, logger), nil
}

func lowerSide(name string) string {
	if name == "A" {
		return "a"
	}

	return "b"
}

// newSyncEngine builds the engine from the resolved config and an opened
// environment.
func newSyncEngine(env *syncEnv, sink sync.ProgressSink, logger *slog.Logger) (*sync.Engine, error) {
	cfg := env.cfg

	return sync.NewEngine(&sync.EngineConfig{
		A:             env.a,
		B:             env.b,
		Catalog:       env.catalog,
		State:         env.state,
		Locks:         env.locks,
		Sink:          sink,
		Logger:        logger,
		ChunkSize:     cfg.Sync.ChunkSize,
		MaxIterations: cfg.Sync.MaxIterations,
		Grace:         cfg.Timing.GracePeriod,
		ChunkDelay:    cfg.Timing.ChunkDelay,
		EntityDelay:   cfg.Timing.EntityDelay,
		Retry:         store.RetryPolicy{Attempts: cfg.Sync.RetryAttempts, Base: cfg.Timing.RetryBase},
		Runner:        cfg.Sync.Runner,
		Siblings:      cfg.Sync.SiblingRunners,
		ConflictLog:   cfg.Sync.ConflictLog,
	})
}

// Close releases whatever openEnv opened.
func (e *syncEnv) Close() {
	for _, s := range []store.Store{e.a, e.b} {
		if s != nil {
			s.Close()
		}
	}

	if e.state != nil {
		e.state.Close()
	}
}
