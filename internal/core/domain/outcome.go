package domain

import "time"

type OutcomeStatus string

const (
	StatusApplied        OutcomeStatus = "APPLIED"
	StatusAppliedPartial OutcomeStatus = "APPLIED_PARTIAL"
	StatusRejected       OutcomeStatus = "REJECTED"
	StatusRetryable      OutcomeStatus = "RETRYABLE"
	// StatusDuplicate marks a verified duplicate (sequence number at or
	// below the last applied one); no backend call was issued.
	StatusDuplicate OutcomeStatus = "DUPLICATE"
	// StatusDiscarded marks an intent dropped because the resource is
	// already terminated.
	StatusDiscarded OutcomeStatus = "DISCARDED"
)

// StepError itemizes one failed sub-step of a partially applied change.
type StepError struct {
	Op     string
	Member Member
	Err    error
}

// Outcome is the result of applying one ChangeIntent or one full-sync diff
// for a single resource.
type Outcome struct {
	Status     OutcomeStatus
	ResourceID string
	Seq        uint64
	Grants     int
	Revokes    int
	Err        error
	Failed     []StepError
}

func (o Outcome) Ok() bool {
	switch o.Status {
	case StatusApplied, StatusDuplicate, StatusDiscarded:
		return true
	}
	return false
}

type PassTrigger string

const (
	TriggerInterval PassTrigger = "interval"
	TriggerStartup  PassTrigger = "startup"
	TriggerGap      PassTrigger = "gap"
	TriggerManual   PassTrigger = "manual"
)

type PassResult struct {
	ResourceID string
	Status     OutcomeStatus
	Grants     int
	Revokes    int
	Error      error
}

// PassReport summarizes one full-sync pass across resources.
type PassReport struct {
	PassID    string
	Trigger   PassTrigger
	StartedAt time.Time
	Duration  time.Duration
	Results   []PassResult
}
