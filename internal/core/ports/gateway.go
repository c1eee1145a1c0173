package ports

import (
	"context"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
)

// IdentityGateway abstracts the external identity service. All mutating
// operations are idempotent by contract: ensure/grant succeed silently when
// the target is already in the desired state, delete/revoke succeed silently
// when the target is already absent. Transient failures are retried inside
// the gateway; non-transient failures surface immediately with
// CodeBackendRejected (or CodeBackendAuthError).
type IdentityGateway interface {
	Type() string

	EnsureProject(ctx context.Context, res domain.Resource) (backendID string, err error)
	DeleteProject(ctx context.Context, backendID string) error
	EnableProject(ctx context.Context, backendID string) error
	DisableProject(ctx context.Context, backendID string) error

	EnsureUser(ctx context.Context, subject domain.Subject) (backendUserID string, err error)

	GrantRole(ctx context.Context, backendID string, subject domain.Subject, role string) error
	RevokeRole(ctx context.Context, backendID string, subject domain.Subject, role string) error
	ListMembership(ctx context.Context, backendID string) (domain.MembershipSet, error)

	Probe(ctx context.Context) error
}
