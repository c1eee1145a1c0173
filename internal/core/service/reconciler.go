package service

import (
	"context"
	"sync"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/errors"
	"github.com/cloudvia/keystone-sync/internal/metrics"
	"github.com/cloudvia/keystone-sync/internal/retry"
)

// ReconciliationRecord is the ephemeral per-resource bookkeeping: last
// applied sequence number and last known-good membership snapshot. Never
// persisted; rebuilt from the two remote systems after a restart.
type ReconciliationRecord struct {
	Resource  domain.Resource
	LastSeq   uint64
	LastKnown domain.MembershipSet
}

// Reconciler converts change intents and full-sync diffs into a minimal
// ordered sequence of identity backend calls. Callers serialize invocations
// per resource (see keyMutex); the records map and record fields share a
// separate lock so KnownResources can observe tracked resources while
// unrelated resources proceed fully in parallel.
type Reconciler struct {
	gateway     ports.IdentityGateway
	state       *ResourceState
	defaultRole string
	logger      ports.Logger

	mu      sync.Mutex
	records map[string]*ReconciliationRecord
}

func NewReconciler(gateway ports.IdentityGateway, state *ResourceState, defaultRole string, logger ports.Logger) *Reconciler {
	return &Reconciler{
		gateway:     gateway,
		state:       state,
		defaultRole: defaultRole,
		logger:      logger,
		records:     make(map[string]*ReconciliationRecord),
	}
}

// record returns the bookkeeping entry for the resource, creating it on
// first sight. Non-empty fields of res refresh the stored metadata; the
// lifecycle state and backend id are only ever changed by reconciliation
// itself.
func (r *Reconciler) record(res domain.Resource) *ReconciliationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[res.ID]
	if !ok {
		if res.State == "" {
			res.State = domain.StateRequested
		}
		rec = &ReconciliationRecord{Resource: res}
		r.records[res.ID] = rec
		return rec
	}
	if res.Name != "" {
		rec.Resource.Name = res.Name
	}
	if res.Description != "" {
		rec.Resource.Description = res.Description
	}
	if res.BackendID != "" && rec.Resource.BackendID == "" {
		rec.Resource.BackendID = res.BackendID
		if rec.Resource.State == domain.StateRequested {
			rec.Resource.State = domain.StateProvisioned
		}
	}
	return rec
}

// KnownResources lists every resource the reconciler is tracking, including
// ones that no longer appear in source listings but still need termination
// retries.
func (r *Reconciler) KnownResources() []domain.Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Resource, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Resource)
	}
	return out
}

// forget drops a record after successful termination; a later
// ResourceCreated intent starts from scratch.
func (r *Reconciler) forget(resourceID string) {
	r.mu.Lock()
	delete(r.records, resourceID)
	r.mu.Unlock()
}

// setRecord runs a record field mutation under the registry lock.
// Appliers hold only the per-resource lock, and KnownResources may copy
// records at any time, so every write to record fields goes through here.
func (r *Reconciler) setRecord(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

// Apply processes one ChangeIntent. The caller must hold the per-resource
// lock. Duplicates (sequence number at or below the last applied) and
// post-termination intents are dropped without touching the backend.
func (r *Reconciler) Apply(ctx context.Context, intent domain.ChangeIntent) domain.Outcome {
	rec := r.record(domain.Resource{
		ID:          intent.ResourceID,
		Name:        intent.ResourceName,
		Description: intent.Description,
	})

	outcome := domain.Outcome{ResourceID: intent.ResourceID, Seq: intent.Seq}

	if rec.Resource.State == domain.StateTerminated && intent.Kind != domain.IntentResourceCreated {
		r.logger.Infof(ctx, "discarding %s intent for terminated resource %s (seq=%d)",
			intent.Kind, intent.ResourceID, intent.Seq)
		outcome.Status = domain.StatusDiscarded
		r.finish(rec, intent, &outcome)
		return outcome
	}

	if intent.Seq != 0 && intent.Seq <= rec.LastSeq {
		r.logger.Debugf(ctx, "dropping duplicate intent %s seq=%d (last applied %d) for resource %s",
			intent.Kind, intent.Seq, rec.LastSeq, intent.ResourceID)
		outcome.Status = domain.StatusDuplicate
		metrics.IntentsTotal.WithLabelValues(intent.Kind.String(), string(outcome.Status)).Inc()
		return outcome
	}

	switch intent.Kind {
	case domain.IntentResourceCreated:
		r.applyCreate(ctx, rec, intent, &outcome)
	case domain.IntentUserAdded:
		r.applyUserAdded(ctx, rec, intent, &outcome)
	case domain.IntentUserRemoved:
		r.applyUserRemoved(ctx, rec, intent, &outcome)
	case domain.IntentResourceTerminated:
		r.applyTerminate(ctx, rec, &outcome)
	case domain.IntentResourcePaused:
		r.applyEnabled(ctx, rec, &outcome, false)
	case domain.IntentResourceRestored:
		r.applyEnabled(ctx, rec, &outcome, true)
	default:
		outcome.Status = domain.StatusRejected
		outcome.Err = errors.Newf(errors.CodeInternal, "unknown intent kind %q", intent.Kind)
	}

	r.finish(rec, intent, &outcome)
	return outcome
}

// finish advances the per-resource sequence cursor. Retryable outcomes do
// not advance it: the same sequence number must be accepted again once the
// transient condition clears.
func (r *Reconciler) finish(rec *ReconciliationRecord, intent domain.ChangeIntent, outcome *domain.Outcome) {
	if outcome.Status != domain.StatusRetryable && intent.Seq > rec.LastSeq {
		r.setRecord(func() { rec.LastSeq = intent.Seq })
	}
	metrics.IntentsTotal.WithLabelValues(intent.Kind.String(), string(outcome.Status)).Inc()
}

func (r *Reconciler) applyCreate(ctx context.Context, rec *ReconciliationRecord, intent domain.ChangeIntent, outcome *domain.Outcome) {
	if rec.Resource.State == domain.StateProvisioned && rec.Resource.BackendID != "" {
		// Redelivered create for an already provisioned project.
		outcome.Status = domain.StatusApplied
		return
	}
	if rec.Resource.State == domain.StateTerminated || rec.Resource.State == domain.StateFailed {
		// Re-creation starts a fresh lifecycle.
		r.setRecord(func() {
			rec.Resource.State = domain.StateRequested
			rec.Resource.BackendID = ""
			rec.LastKnown = nil
		})
	}

	backendID, err := r.gateway.EnsureProject(ctx, rec.Resource)
	if err != nil {
		if retry.Retryable(err) {
			outcome.Status = domain.StatusRetryable
			outcome.Err = err
			return
		}
		// Naming conflict or quota: requires external action, do not loop.
		r.setRecord(func() { rec.Resource.State = domain.StateFailed })
		outcome.Status = domain.StatusRejected
		outcome.Err = err
		r.logger.Errorf(ctx, err, "resource %s creation rejected by backend", rec.Resource.ID)
		return
	}

	r.setRecord(func() {
		rec.Resource.BackendID = backendID
		rec.Resource.State = domain.StateProvisioned
		rec.LastKnown = domain.NewMembershipSet()
	})
	metrics.BackendCallsTotal.WithLabelValues("ensure_project").Inc()
	outcome.Status = domain.StatusApplied
	r.logger.Infof(ctx, "resource %s provisioned as project %s", rec.Resource.ID, backendID)
}

func (r *Reconciler) applyUserAdded(ctx context.Context, rec *ReconciliationRecord, intent domain.ChangeIntent, outcome *domain.Outcome) {
	if !r.requireProvisioned(ctx, rec, outcome) {
		return
	}

	member := domain.Member{Subject: intent.Subject, Role: intent.Role}
	if member.Role == "" {
		member.Role = r.defaultRole
	}

	// The minimal grant set is computed against the last observed
	// snapshot; roles already present are never re-granted, which keeps
	// redelivery free of redundant mutations.
	if rec.LastKnown == nil {
		snapshot, err := r.state.Snapshot(ctx, rec.Resource.BackendID)
		if err != nil {
			r.classifyFailure(ctx, rec, err, outcome)
			return
		}
		r.setRecord(func() { rec.LastKnown = snapshot })
	}
	if rec.LastKnown.Contains(member) {
		outcome.Status = domain.StatusApplied
		return
	}

	subject := domain.Subject{Username: intent.Subject, Email: intent.Email}
	if _, err := r.gateway.EnsureUser(ctx, subject); err != nil {
		r.classifyFailure(ctx, rec, err, outcome)
		return
	}
	metrics.BackendCallsTotal.WithLabelValues("ensure_user").Inc()

	if err := r.gateway.GrantRole(ctx, rec.Resource.BackendID, subject, member.Role); err != nil {
		r.classifyFailure(ctx, rec, err, outcome)
		return
	}
	metrics.BackendCallsTotal.WithLabelValues("grant_role").Inc()

	r.setRecord(func() { rec.LastKnown.Add(member) })
	outcome.Status = domain.StatusApplied
	outcome.Grants = 1
}

func (r *Reconciler) applyUserRemoved(ctx context.Context, rec *ReconciliationRecord, intent domain.ChangeIntent, outcome *domain.Outcome) {
	if !r.requireProvisioned(ctx, rec, outcome) {
		return
	}

	member := domain.Member{Subject: intent.Subject, Role: intent.Role}
	if member.Role == "" {
		member.Role = r.defaultRole
	}

	subject := domain.Subject{Username: intent.Subject, Email: intent.Email}
	if err := r.gateway.RevokeRole(ctx, rec.Resource.BackendID, subject, member.Role); err != nil {
		r.classifyFailure(ctx, rec, err, outcome)
		return
	}
	metrics.BackendCallsTotal.WithLabelValues("revoke_role").Inc()

	if rec.LastKnown != nil {
		r.setRecord(func() { rec.LastKnown.Remove(member) })
		// A subject with no remaining roles keeps its identity: the user
		// may hold roles on other resources, so no user deletion here.
	}
	outcome.Status = domain.StatusApplied
	outcome.Revokes = 1
}

func (r *Reconciler) applyTerminate(ctx context.Context, rec *ReconciliationRecord, outcome *domain.Outcome) {
	if rec.Resource.BackendID == "" {
		// Never provisioned; terminating it locally is enough.
		r.setRecord(func() { rec.Resource.State = domain.StateTerminated })
		outcome.Status = domain.StatusApplied
		return
	}

	if err := r.gateway.DeleteProject(ctx, rec.Resource.BackendID); err != nil {
		if retry.Retryable(err) {
			outcome.Status = domain.StatusRetryable
			outcome.Err = err
			return
		}
		// Remaining non-revocable children: park in Terminating and let
		// the next scheduler pass retry instead of looping here.
		r.setRecord(func() { rec.Resource.State = domain.StateTerminating })
		outcome.Status = domain.StatusRetryable
		outcome.Err = err
		r.logger.Warnf(ctx, "resource %s termination deferred: %v", rec.Resource.ID, err)
		return
	}

	metrics.BackendCallsTotal.WithLabelValues("delete_project").Inc()
	r.setRecord(func() {
		rec.Resource.State = domain.StateTerminated
		rec.LastKnown = nil
	})
	outcome.Status = domain.StatusApplied
	r.logger.Infof(ctx, "resource %s terminated, project %s deleted", rec.Resource.ID, rec.Resource.BackendID)
}

func (r *Reconciler) applyEnabled(ctx context.Context, rec *ReconciliationRecord, outcome *domain.Outcome, enabled bool) {
	if !r.requireProvisioned(ctx, rec, outcome) {
		return
	}

	var err error
	if enabled {
		err = r.gateway.EnableProject(ctx, rec.Resource.BackendID)
	} else {
		err = r.gateway.DisableProject(ctx, rec.Resource.BackendID)
	}
	if err != nil {
		r.classifyFailure(ctx, rec, err, outcome)
		return
	}
	outcome.Status = domain.StatusApplied
}

// requireProvisioned guards membership and enable/disable intents: they
// only make sense against a provisioned project. A missing backend id is a
// transient condition healed by the next full-sync pass.
func (r *Reconciler) requireProvisioned(ctx context.Context, rec *ReconciliationRecord, outcome *domain.Outcome) bool {
	if rec.Resource.State == domain.StateFailed {
		outcome.Status = domain.StatusRejected
		outcome.Err = errors.Newf(errors.CodeBackendRejected,
			"resource %s is in a failed state and needs external correction", rec.Resource.ID)
		return false
	}
	if rec.Resource.BackendID == "" {
		outcome.Status = domain.StatusRetryable
		outcome.Err = errors.Newf(errors.CodeStateInconsistent,
			"resource %s has no provisioned project yet", rec.Resource.ID)
		return false
	}
	return true
}

// classifyFailure maps a gateway error onto the outcome taxonomy. An
// Inconsistent observation invalidates the cached snapshot so the next pass
// re-derives it from the backend.
func (r *Reconciler) classifyFailure(ctx context.Context, rec *ReconciliationRecord, err error, outcome *domain.Outcome) {
	switch {
	case errors.Is(err, errors.CodeStateInconsistent):
		r.setRecord(func() { rec.LastKnown = nil })
		outcome.Status = domain.StatusRetryable
	case retry.Retryable(err):
		outcome.Status = domain.StatusRetryable
	default:
		outcome.Status = domain.StatusRejected
	}
	outcome.Err = err
	r.logger.Errorf(ctx, err, "reconciliation step failed for resource %s", rec.Resource.ID)
}

// SyncResource runs one full diff-and-correct pass for a single resource.
// The caller must hold the per-resource lock. Grants are applied before
// revokes so a role transfer never opens a window where a subject who
// should retain access holds nothing.
func (r *Reconciler) SyncResource(ctx context.Context, res domain.Resource) domain.Outcome {
	rec := r.record(res)
	outcome := domain.Outcome{ResourceID: rec.Resource.ID}

	switch rec.Resource.State {
	case domain.StateTerminated:
		outcome.Status = domain.StatusApplied
		r.forget(rec.Resource.ID)
		return outcome
	case domain.StateFailed:
		outcome.Status = domain.StatusRejected
		outcome.Err = errors.Newf(errors.CodeBackendRejected,
			"resource %s is in a failed state and needs external correction", rec.Resource.ID)
		return outcome
	case domain.StateTerminating:
		r.applyTerminate(ctx, rec, &outcome)
		if outcome.Status == domain.StatusApplied {
			r.forget(rec.Resource.ID)
		}
		return outcome
	}

	desired, err := r.state.Desired(ctx, rec.Resource.ID)
	if err != nil {
		outcome.Status = domain.StatusRetryable
		outcome.Err = err
		return outcome
	}

	if rec.Resource.BackendID == "" {
		// Recovers a crash between creation steps, and provisions
		// resources first seen through a listing.
		r.applyCreate(ctx, rec, domain.ChangeIntent{}, &outcome)
		if outcome.Status != domain.StatusApplied {
			return outcome
		}
	}

	snapshot, err := r.state.Snapshot(ctx, rec.Resource.BackendID)
	if errors.Is(err, errors.CodeBackendNotFound) {
		// The backend no longer has the project we think we provisioned:
		// local assumption contradicted, re-provision and start empty.
		r.logger.Warnf(ctx, "project %s for resource %s vanished from backend, re-provisioning",
			rec.Resource.BackendID, rec.Resource.ID)
		r.setRecord(func() {
			rec.Resource.BackendID = ""
			rec.Resource.State = domain.StateRequested
		})
		r.applyCreate(ctx, rec, domain.ChangeIntent{}, &outcome)
		if outcome.Status != domain.StatusApplied {
			return outcome
		}
		snapshot = domain.NewMembershipSet()
	} else if err != nil {
		outcome.Status = domain.StatusRetryable
		outcome.Err = err
		return outcome
	}

	toGrant := desired.Diff(snapshot)
	toRevoke := snapshot.Diff(desired)

	applied := snapshot.Clone()
	for _, m := range toGrant {
		subject := domain.Subject{Username: m.Subject}
		if _, err := r.gateway.EnsureUser(ctx, subject); err != nil {
			outcome.Failed = append(outcome.Failed, domain.StepError{Op: "ensure_user", Member: m, Err: err})
			continue
		}
		if err := r.gateway.GrantRole(ctx, rec.Resource.BackendID, subject, m.Role); err != nil {
			outcome.Failed = append(outcome.Failed, domain.StepError{Op: "grant_role", Member: m, Err: err})
			continue
		}
		metrics.BackendCallsTotal.WithLabelValues("grant_role").Inc()
		applied.Add(m)
		outcome.Grants++
	}
	for _, m := range toRevoke {
		subject := domain.Subject{Username: m.Subject}
		if err := r.gateway.RevokeRole(ctx, rec.Resource.BackendID, subject, m.Role); err != nil {
			outcome.Failed = append(outcome.Failed, domain.StepError{Op: "revoke_role", Member: m, Err: err})
			continue
		}
		metrics.BackendCallsTotal.WithLabelValues("revoke_role").Inc()
		applied.Remove(m)
		outcome.Revokes++
	}

	r.setRecord(func() { rec.LastKnown = applied })

	if len(outcome.Failed) > 0 {
		outcome.Status = domain.StatusAppliedPartial
		outcome.Err = outcome.Failed[0].Err
		r.logger.Warnf(ctx, "full sync of resource %s applied partially: %d step(s) failed",
			rec.Resource.ID, len(outcome.Failed))
	} else {
		outcome.Status = domain.StatusApplied
	}
	return outcome
}
