package domain

type IntentKind string

const (
	IntentUserAdded          IntentKind = "UserAdded"
	IntentUserRemoved        IntentKind = "UserRemoved"
	IntentResourceCreated    IntentKind = "ResourceCreated"
	IntentResourceTerminated IntentKind = "ResourceTerminated"
	IntentResourcePaused     IntentKind = "ResourcePaused"
	IntentResourceRestored   IntentKind = "ResourceRestored"
)

func (k IntentKind) String() string {
	return string(k)
}

// ChangeIntent is a normalized, sequenced instruction to reconcile one
// aspect of one resource's membership or lifecycle. Seq increases
// monotonically per resource and drives ordering and duplicate detection.
type ChangeIntent struct {
	Kind       IntentKind
	ResourceID string
	// Resource metadata, populated for lifecycle intents.
	ResourceName string
	Description  string
	// Subject fields, populated for membership intents.
	Subject string
	Email   string
	Role    string
	Seq     uint64
}

// EventKind mirrors the raw notification channel's event discriminator.
type EventKind string

const (
	EventUserAdded          EventKind = "added"
	EventUserRemoved        EventKind = "removed"
	EventResourceCreated    EventKind = "created"
	EventResourceTerminated EventKind = "terminated"
	EventResourcePaused     EventKind = "paused"
	EventResourceRestored   EventKind = "restored"
)

// RawEvent is the minimal shape consumed from the source platform's
// notification channel. The wire format beyond these fields is not modeled.
type RawEvent struct {
	Kind         EventKind `json:"kind"`
	ResourceID   string    `json:"resource_uuid"`
	ResourceName string    `json:"resource_name,omitempty"`
	Description  string    `json:"description,omitempty"`
	Subject      string    `json:"username,omitempty"`
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role,omitempty"`
	Seq          uint64    `json:"sequence"`
}

// Intent converts a raw event into its normalized ChangeIntent.
func (e RawEvent) Intent() (ChangeIntent, bool) {
	intent := ChangeIntent{
		ResourceID:   e.ResourceID,
		ResourceName: e.ResourceName,
		Description:  e.Description,
		Subject:      e.Subject,
		Email:        e.Email,
		Role:         e.Role,
		Seq:          e.Seq,
	}
	switch e.Kind {
	case EventUserAdded:
		intent.Kind = IntentUserAdded
	case EventUserRemoved:
		intent.Kind = IntentUserRemoved
	case EventResourceCreated:
		intent.Kind = IntentResourceCreated
	case EventResourceTerminated:
		intent.Kind = IntentResourceTerminated
	case EventResourcePaused:
		intent.Kind = IntentResourcePaused
	case EventResourceRestored:
		intent.Kind = IntentResourceRestored
	default:
		return ChangeIntent{}, false
	}
	return intent, true
}
