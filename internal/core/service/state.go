package service

import (
	"context"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
)

// ResourceState is the pure read side: desired membership from the source
// platform, actual membership observed in the identity backend. It never
// mutates either system.
type ResourceState struct {
	gateway     ports.IdentityGateway
	source      ports.SourcePlatform
	defaultRole string
}

func NewResourceState(gateway ports.IdentityGateway, source ports.SourcePlatform, defaultRole string) *ResourceState {
	return &ResourceState{gateway: gateway, source: source, defaultRole: defaultRole}
}

// Desired returns the membership the source platform currently prescribes
// for the resource. Entries without an explicit role get the default role.
func (s *ResourceState) Desired(ctx context.Context, resourceID string) (domain.MembershipSet, error) {
	raw, err := s.source.ListResourceMembership(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	out := make(domain.MembershipSet, len(raw))
	for m := range raw {
		if m.Role == "" {
			m.Role = s.defaultRole
		}
		out.Add(m)
	}
	return out, nil
}

// Snapshot returns the membership the identity backend actually holds for
// the provisioned project.
func (s *ResourceState) Snapshot(ctx context.Context, backendID string) (domain.MembershipSet, error) {
	return s.gateway.ListMembership(ctx, backendID)
}
