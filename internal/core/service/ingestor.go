package service

import (
	"context"
	"sync"
	"time"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/metrics"
)

// SyncTrigger requests an out-of-band full sync of one resource, typically
// after a sequence gap. Implemented by the scheduler.
type SyncTrigger interface {
	TriggerResource(resourceID string, trigger domain.PassTrigger)
}

// EventIngestor consumes the source platform's notification channel and
// feeds ordered, deduplicated intents to the reconciler. Events for
// different resources flow through independent queues and never block each
// other; within one queue processing is strictly serial.
type EventIngestor struct {
	source     ports.SourcePlatform
	reconciler *Reconciler
	locks      *keyMutex
	trigger    SyncTrigger
	logger     ports.Logger

	reconnectBase time.Duration
	reconnectMax  time.Duration

	mu     sync.Mutex
	queues map[string]*resourceQueue
}

// resourceQueue holds the pending intents for one resource. lastSeen tracks
// the highest sequence number observed on the wire, which is what gap and
// duplicate detection compare against; the reconciler keeps its own cursor
// of what was actually applied.
type resourceQueue struct {
	pending  []domain.ChangeIntent
	running  bool
	lastSeen uint64
	idle     chan struct{}
}

func NewEventIngestor(source ports.SourcePlatform, reconciler *Reconciler, locks *keyMutex, trigger SyncTrigger, logger ports.Logger) *EventIngestor {
	return &EventIngestor{
		source:        source,
		reconciler:    reconciler,
		locks:         locks,
		trigger:       trigger,
		logger:        logger,
		reconnectBase: time.Second,
		reconnectMax:  time.Minute,
		queues:        make(map[string]*resourceQueue),
	}
}

// Run consumes the event stream until the context is cancelled,
// re-subscribing with capped exponential backoff after stream failures.
func (in *EventIngestor) Run(ctx context.Context) error {
	delay := in.reconnectBase
	for {
		stream, err := in.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.logger.Warnf(ctx, "event stream subscription failed, retrying in %s: %v", delay, err)
			metrics.StreamReconnectsTotal.Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if delay *= 2; delay > in.reconnectMax {
				delay = in.reconnectMax
			}
			continue
		}
		delay = in.reconnectBase

		err = in.consume(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		in.logger.Warnf(ctx, "event stream closed, reconnecting: %v", err)
		metrics.StreamReconnectsTotal.Inc()
	}
}

func (in *EventIngestor) consume(ctx context.Context, stream ports.EventStream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		in.handle(ctx, ev)
		// Acking after enqueue bounds redelivery to the window between
		// enqueue and apply; intents in that window are re-detected as
		// duplicates by the sequence cursor.
		if err := stream.Ack(ctx, ev); err != nil {
			in.logger.Warnf(ctx, "failed to ack event seq=%d for resource %s: %v", ev.Seq, ev.ResourceID, err)
		}
	}
}

// Ingest enqueues a single raw event, used by tests and by replay tooling.
func (in *EventIngestor) Ingest(ctx context.Context, ev domain.RawEvent) {
	in.handle(ctx, ev)
}

func (in *EventIngestor) handle(ctx context.Context, ev domain.RawEvent) {
	intent, ok := ev.Intent()
	if !ok {
		in.logger.Warnf(ctx, "ignoring event of unknown kind %q for resource %s", ev.Kind, ev.ResourceID)
		return
	}
	if intent.ResourceID == "" {
		in.logger.Warnf(ctx, "ignoring event seq=%d without a resource id", ev.Seq)
		return
	}

	in.mu.Lock()
	q, okQ := in.queues[intent.ResourceID]
	if !okQ {
		q = &resourceQueue{idle: closedChan()}
		in.queues[intent.ResourceID] = q
	}

	if intent.Seq != 0 && intent.Seq <= q.lastSeen {
		in.mu.Unlock()
		in.logger.Debugf(ctx, "dropping duplicate event seq=%d (last seen %d) for resource %s",
			intent.Seq, q.lastSeen, intent.ResourceID)
		metrics.DuplicateEventsTotal.Inc()
		return
	}

	prevSeen := q.lastSeen
	gap := prevSeen != 0 && intent.Seq > prevSeen+1
	if intent.Seq > q.lastSeen {
		q.lastSeen = intent.Seq
	}

	if gap {
		// The forced sync is requested before the event is queued: a drain
		// worker already running cannot apply the post-gap event until this
		// lock is released, so the trigger is always scheduled first.
		// TriggerResource never blocks.
		in.logger.Warnf(ctx, "sequence gap on resource %s: got seq=%d after %d, forcing full sync",
			intent.ResourceID, intent.Seq, prevSeen)
		metrics.SequenceGapsTotal.Inc()
		in.trigger.TriggerResource(intent.ResourceID, domain.TriggerGap)
	}

	q.pending = append(q.pending, intent)
	metrics.QueueDepth.WithLabelValues(intent.ResourceID).Set(float64(len(q.pending)))
	start := !q.running
	if start {
		q.running = true
		q.idle = make(chan struct{})
	}
	in.mu.Unlock()

	if start {
		go in.drain(ctx, intent.ResourceID, q)
	}
}

// drain applies queued intents for one resource in arrival order, holding
// the per-resource lock for the lifetime of the backlog so a concurrent
// full-sync pass waits until the queue is empty.
func (in *EventIngestor) drain(ctx context.Context, resourceID string, q *resourceQueue) {
	if err := in.locks.Lock(ctx, resourceID); err != nil {
		in.mu.Lock()
		q.pending = nil
		q.running = false
		close(q.idle)
		in.mu.Unlock()
		return
	}
	defer in.locks.Unlock(resourceID)

	for {
		in.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			close(q.idle)
			metrics.QueueDepth.WithLabelValues(resourceID).Set(0)
			in.mu.Unlock()
			return
		}
		intent := q.pending[0]
		q.pending = q.pending[1:]
		metrics.QueueDepth.WithLabelValues(resourceID).Set(float64(len(q.pending)))
		in.mu.Unlock()

		outcome := in.reconciler.Apply(ctx, intent)
		if outcome.Status == domain.StatusRetryable {
			in.logger.Warnf(ctx, "intent %s seq=%d for resource %s left for next sync pass: %v",
				intent.Kind, intent.Seq, resourceID, outcome.Err)
		}
	}
}

// WaitIdle blocks until the resource's event queue is drained or the
// context is cancelled. Full-sync passes call it before taking the
// per-resource lock so queued events win over the periodic pass.
func (in *EventIngestor) WaitIdle(ctx context.Context, resourceID string) error {
	in.mu.Lock()
	q, ok := in.queues[resourceID]
	if !ok {
		in.mu.Unlock()
		return nil
	}
	idle := q.idle
	in.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
