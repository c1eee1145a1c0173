package ports

import (
	"context"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
)

// EventStream is one live connection to the source platform's membership
// notification channel. Next blocks until an event arrives, the context is
// cancelled, or the connection drops; a dropped connection returns an error
// and the consumer re-subscribes with backoff.
type EventStream interface {
	Next(ctx context.Context) (domain.RawEvent, error)
	// Ack confirms delivery so the event is not redelivered. Duplicates are
	// acked too; they just produce no ChangeIntent.
	Ack(ctx context.Context, ev domain.RawEvent) error
	Close() error
}

// SourcePlatform is the source-of-truth resource/membership model.
// Read-only from the reconciler's point of view.
type SourcePlatform interface {
	Type() string
	ListResources(ctx context.Context) ([]domain.Resource, error)
	ListResourceMembership(ctx context.Context, resourceID string) (domain.MembershipSet, error)
	Subscribe(ctx context.Context) (EventStream, error)
}
