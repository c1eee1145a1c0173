package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/metrics"
)

// IdleWaiter lets the scheduler yield to a resource's queued events before
// syncing it. Implemented by the EventIngestor; a nil waiter disables the
// yield, which single-path deployments without an event stream use.
type IdleWaiter interface {
	WaitIdle(ctx context.Context, resourceID string) error
}

// SyncScheduler drives periodic and on-demand full-sync passes. Each pass
// walks the union of resources listed by the source and resources already
// tracked by the reconciler, so terminations missed by the stream still
// converge.
type SyncScheduler struct {
	source     ports.SourcePlatform
	reconciler *Reconciler
	locks      *keyMutex
	waiter     IdleWaiter
	reporter   ports.Reporter
	logger     ports.Logger

	interval      time.Duration
	maxConcurrent int64

	demand chan demandRequest
}

type demandRequest struct {
	resourceID string
	trigger    domain.PassTrigger
}

func NewSyncScheduler(source ports.SourcePlatform, reconciler *Reconciler, locks *keyMutex, waiter IdleWaiter, reporter ports.Reporter, logger ports.Logger, interval time.Duration, maxConcurrent int) *SyncScheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &SyncScheduler{
		source:        source,
		reconciler:    reconciler,
		locks:         locks,
		waiter:        waiter,
		reporter:      reporter,
		logger:        logger,
		interval:      interval,
		maxConcurrent: int64(maxConcurrent),
		demand:        make(chan demandRequest, 64),
	}
}

// TriggerResource schedules an out-of-band sync of a single resource. It
// never blocks the caller; if the demand buffer is full the next periodic
// pass covers the resource anyway.
func (s *SyncScheduler) TriggerResource(resourceID string, trigger domain.PassTrigger) {
	select {
	case s.demand <- demandRequest{resourceID: resourceID, trigger: trigger}:
	default:
	}
}

// Run executes a startup pass, then alternates between the interval ticker
// and on-demand single-resource requests until the context is cancelled.
func (s *SyncScheduler) Run(ctx context.Context) error {
	if _, err := s.RunPass(ctx, domain.TriggerStartup); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Errorf(ctx, err, "startup sync pass failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.demand:
			s.syncOne(ctx, req)
		case <-ticker.C:
			if _, err := s.RunPass(ctx, domain.TriggerInterval); err != nil && ctx.Err() == nil {
				s.logger.Errorf(ctx, err, "periodic sync pass failed")
			}
		}
	}
}

// RunPass performs one full-sync pass over every known resource, bounded by
// the concurrency limit, and hands the report to the reporter.
func (s *SyncScheduler) RunPass(ctx context.Context, trigger domain.PassTrigger) (domain.PassReport, error) {
	started := time.Now()
	report := domain.PassReport{
		PassID:    uuid.NewString(),
		Trigger:   trigger,
		StartedAt: started,
	}
	metrics.SyncPassesTotal.WithLabelValues(string(trigger)).Inc()

	resources, err := s.collectResources(ctx)
	if err != nil {
		return report, err
	}

	s.logger.Infof(ctx, "sync pass %s (%s) covering %d resource(s)", report.PassID, trigger, len(resources))

	results := make([]domain.PassResult, len(resources))
	sem := semaphore.NewWeighted(s.maxConcurrent)
	g, gctx := errgroup.WithContext(ctx)

	for i, res := range resources {
		i, res := i, res
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			outcome := s.syncLocked(gctx, res)
			results[i] = domain.PassResult{
				ResourceID: res.ID,
				Status:     outcome.Status,
				Grants:     outcome.Grants,
				Revokes:    outcome.Revokes,
				Error:      outcome.Err,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	report.Results = results
	report.Duration = time.Since(started)

	if s.reporter != nil {
		if err := s.reporter.Report(ctx, report); err != nil {
			s.logger.Warnf(ctx, "failed to emit sync pass report: %v", err)
		}
	}
	return report, nil
}

// collectResources unions the source listing with resources the reconciler
// already tracks. Ordering is stable so passes are reproducible.
func (s *SyncScheduler) collectResources(ctx context.Context) ([]domain.Resource, error) {
	listed, err := s.source.ListResources(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.Resource, len(listed))
	for _, res := range listed {
		byID[res.ID] = res
	}
	for _, res := range s.reconciler.KnownResources() {
		if _, ok := byID[res.ID]; !ok {
			byID[res.ID] = res
		}
	}

	out := make([]domain.Resource, 0, len(byID))
	for _, res := range byID {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SyncScheduler) syncOne(ctx context.Context, req demandRequest) {
	metrics.SyncPassesTotal.WithLabelValues(string(req.trigger)).Inc()
	outcome := s.syncLocked(ctx, domain.Resource{ID: req.resourceID})
	if outcome.Err != nil {
		s.logger.Warnf(ctx, "on-demand sync (%s) of resource %s finished %s: %v",
			req.trigger, req.resourceID, outcome.Status, outcome.Err)
		return
	}
	s.logger.Infof(ctx, "on-demand sync (%s) of resource %s finished %s (+%d/-%d)",
		req.trigger, req.resourceID, outcome.Status, outcome.Grants, outcome.Revokes)
}

// syncLocked waits out any queued events for the resource, then syncs it
// under the per-resource lock shared with the event path.
func (s *SyncScheduler) syncLocked(ctx context.Context, res domain.Resource) domain.Outcome {
	if s.waiter != nil {
		if err := s.waiter.WaitIdle(ctx, res.ID); err != nil {
			return domain.Outcome{ResourceID: res.ID, Status: domain.StatusRetryable, Err: err}
		}
	}
	if err := s.locks.Lock(ctx, res.ID); err != nil {
		return domain.Outcome{ResourceID: res.ID, Status: domain.StatusRetryable, Err: err}
	}
	defer s.locks.Unlock(res.ID)

	outcome := s.reconciler.SyncResource(ctx, res)
	metrics.SyncResourceOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	return outcome
}
