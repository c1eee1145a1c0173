package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudvia/keystone-sync/internal/core/ports"
)

// Options tunes the engine's sync cadence and parallelism.
type Options struct {
	SyncInterval  time.Duration
	MaxConcurrent int
	DefaultRole   string
	// EventStream disables the ingestor entirely when false; the engine
	// then converges through periodic passes alone.
	EventStream bool
}

// Engine wires the reconciler, event ingestor and sync scheduler around a
// shared per-resource lock table. It is the single entry point the
// application layer runs.
type Engine struct {
	Reconciler *Reconciler
	Ingestor   *EventIngestor
	Scheduler  *SyncScheduler
}

func NewEngine(gateway ports.IdentityGateway, source ports.SourcePlatform, reporter ports.Reporter, logger ports.Logger, opts Options) *Engine {
	locks := newKeyMutex()
	state := NewResourceState(gateway, source, opts.DefaultRole)
	reconciler := NewReconciler(gateway, state, opts.DefaultRole, logger)

	var (
		ingestor *EventIngestor
		waiter   IdleWaiter
	)
	scheduler := NewSyncScheduler(source, reconciler, locks, nil, reporter, logger, opts.SyncInterval, opts.MaxConcurrent)
	if opts.EventStream {
		ingestor = NewEventIngestor(source, reconciler, locks, scheduler, logger)
		waiter = ingestor
	}
	scheduler.waiter = waiter

	return &Engine{Reconciler: reconciler, Ingestor: ingestor, Scheduler: scheduler}
}

// Run drives the scheduler and, when configured, the event ingestor until
// the context is cancelled. Cancellation is the only clean exit.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Scheduler.Run(gctx) })
	if e.Ingestor != nil {
		g.Go(func() error { return e.Ingestor.Run(gctx) })
	}
	return g.Wait()
}
