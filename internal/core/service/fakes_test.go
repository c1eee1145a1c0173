package service

import (
	"context"
	"sync"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/errors"
)

type nopLogger struct{}

func (nopLogger) Debugf(context.Context, string, ...any)        {}
func (nopLogger) Infof(context.Context, string, ...any)         {}
func (nopLogger) Warnf(context.Context, string, ...any)         {}
func (nopLogger) Errorf(context.Context, error, string, ...any) {}
func (l nopLogger) WithFields(map[string]any) ports.Logger      { return l }

// fakeGateway is an in-memory identity backend honoring the idempotency
// contract of the real one. Per-operation error hooks let tests inject
// transient and terminal failures.
type fakeGateway struct {
	mu       sync.Mutex
	projects map[string]*fakeProject // backendID -> project
	users    map[string]string       // username -> user id
	calls    []string

	ensureProjectErr error
	deleteProjectErr error
	ensureUserErr    error
	grantErr         error
	revokeErr        error
	listErr          error

	grantGate chan struct{} // when set, GrantRole parks until the channel closes
}

type fakeProject struct {
	resourceID string
	enabled    bool
	members    domain.MembershipSet
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		projects: make(map[string]*fakeProject),
		users:    make(map[string]string),
	}
}

func (g *fakeGateway) record(call string) {
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) callCount(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *fakeGateway) Type() string { return "fake" }

func (g *fakeGateway) EnsureProject(_ context.Context, res domain.Resource) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("ensure_project")
	if g.ensureProjectErr != nil {
		return "", g.ensureProjectErr
	}
	id := "be-" + res.ID
	if _, ok := g.projects[id]; !ok {
		g.projects[id] = &fakeProject{resourceID: res.ID, enabled: true, members: domain.NewMembershipSet()}
	}
	return id, nil
}

func (g *fakeGateway) DeleteProject(_ context.Context, backendID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("delete_project")
	if g.deleteProjectErr != nil {
		return g.deleteProjectErr
	}
	delete(g.projects, backendID)
	return nil
}

func (g *fakeGateway) setEnabled(backendID string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.projects[backendID]
	if !ok {
		return errors.Newf(errors.CodeStateInconsistent, "no project %s", backendID)
	}
	p.enabled = enabled
	return nil
}

func (g *fakeGateway) EnableProject(_ context.Context, backendID string) error {
	return g.setEnabled(backendID, true)
}

func (g *fakeGateway) DisableProject(_ context.Context, backendID string) error {
	return g.setEnabled(backendID, false)
}

func (g *fakeGateway) EnsureUser(_ context.Context, subject domain.Subject) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("ensure_user")
	if g.ensureUserErr != nil {
		return "", g.ensureUserErr
	}
	id, ok := g.users[subject.Username]
	if !ok {
		id = "u-" + subject.Username
		g.users[subject.Username] = id
	}
	return id, nil
}

// gateGrants parks every subsequent GrantRole call until gate is closed.
func (g *fakeGateway) gateGrants(gate chan struct{}) {
	g.mu.Lock()
	g.grantGate = gate
	g.mu.Unlock()
}

func (g *fakeGateway) GrantRole(_ context.Context, backendID string, subject domain.Subject, role string) error {
	g.mu.Lock()
	g.record("grant_role")
	if g.grantErr != nil {
		err := g.grantErr
		g.mu.Unlock()
		return err
	}
	gate := g.grantGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.projects[backendID]
	if !ok {
		return errors.Newf(errors.CodeBackendNotFound, "no project %s", backendID)
	}
	p.members.Add(domain.Member{Subject: subject.Username, Role: role})
	return nil
}

func (g *fakeGateway) RevokeRole(_ context.Context, backendID string, subject domain.Subject, role string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("revoke_role")
	if g.revokeErr != nil {
		return g.revokeErr
	}
	p, ok := g.projects[backendID]
	if !ok {
		return nil
	}
	p.members.Remove(domain.Member{Subject: subject.Username, Role: role})
	return nil
}

func (g *fakeGateway) ListMembership(_ context.Context, backendID string) (domain.MembershipSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("list_membership")
	if g.listErr != nil {
		return nil, g.listErr
	}
	p, ok := g.projects[backendID]
	if !ok {
		return nil, errors.Newf(errors.CodeBackendNotFound, "no project %s", backendID)
	}
	return p.members.Clone(), nil
}

func (g *fakeGateway) membership(backendID string) domain.MembershipSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.projects[backendID]
	if !ok {
		return nil
	}
	return p.members.Clone()
}

func (g *fakeGateway) Probe(context.Context) error { return nil }

// fakeSource serves static listings and a scripted event stream.
type fakeSource struct {
	mu         sync.Mutex
	resources  []domain.Resource
	membership map[string]domain.MembershipSet
	listErr    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{membership: make(map[string]domain.MembershipSet)}
}

func (s *fakeSource) Type() string { return "fake" }

func (s *fakeSource) ListResources(context.Context) ([]domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]domain.Resource(nil), s.resources...), nil
}

func (s *fakeSource) ListResourceMembership(_ context.Context, resourceID string) (domain.MembershipSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.membership[resourceID]
	if !ok {
		return domain.NewMembershipSet(), nil
	}
	return set.Clone(), nil
}

func (s *fakeSource) setMembership(resourceID string, members ...domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membership[resourceID] = domain.NewMembershipSet(members...)
}

func (s *fakeSource) Subscribe(context.Context) (ports.EventStream, error) {
	return nil, errors.New(errors.CodeSourceStreamError, "no stream in fake")
}

// triggerRecorder captures forced-sync requests from the ingestor.
type triggerRecorder struct {
	mu       sync.Mutex
	requests []string
}

func (r *triggerRecorder) TriggerResource(resourceID string, _ domain.PassTrigger) {
	r.mu.Lock()
	r.requests = append(r.requests, resourceID)
	r.mu.Unlock()
}

func (r *triggerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func newTestReconciler(gateway *fakeGateway, source *fakeSource) *Reconciler {
	state := NewResourceState(gateway, source, "member")
	return NewReconciler(gateway, state, "member", nopLogger{})
}
