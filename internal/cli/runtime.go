package cli

import (
	"context"
	"errors"
	"fmt"

	"ledgerbot/internal/backend"
	"ledgerbot/internal/config"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/log"
	"ledgerbot/internal/ratelimit"
	"ledgerbot/internal/services"
	"ledgerbot/internal/worker"
)

// Runtime is a loaded ledger with its store, sync worker and service.
type Runtime struct {
	Backend *backend.Backend
	Limiter *ratelimit.Limiter
	Ledger  *ledger.Cache
	Worker  *worker.SyncWorker
	Service *services.LedgerService
	Logger  *log.Logger
}

// NewRuntime builds the store selected by cfg and loads the ledger from it.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	limiter := ratelimit.New(cfg.RateLimit(), ratelimit.WithLogger(logger))

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	b, err := backend.NewFactory(limiter, logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", bcfg.Type, err)
	}

	rt, err := Assemble(ctx, b, limiter, cfg, logger)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return rt, nil
}

// Assemble wires a ledger, worker and service over an existing backend and
// loads the ledger.
func Assemble(ctx context.Context, b *backend.Backend, limiter *ratelimit.Limiter, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	l := ledger.New(b.Store, limiter, cfg.Ledger(), logger)
	if err := l.Load(ctx); err != nil {
		return nil, err
	}
	return &Runtime{
		Backend: b,
		Limiter: limiter,
		Ledger:  l,
		Worker:  worker.NewSyncWorker(l, b.Store, limiter, cfg.Worker(), logger),
		Service: services.NewLedgerService(l, b.Taxonomy, limiter, cfg.Services(), logger),
		Logger:  logger,
	}, nil
}

// Close persists queued writes and releases the backend. Writes that could
// not be persisted are reported in the returned error.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.Worker.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%d pending change(s) not saved: %w", rt.Ledger.Queue().Len(), err))
	}
	if err := rt.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	return errors.Join(errs...)
}
