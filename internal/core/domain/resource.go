package domain

type LifecycleState string

const (
	StateRequested   LifecycleState = "Requested"
	StateProvisioned LifecycleState = "Provisioned"
	StateTerminating LifecycleState = "Terminating"
	StateTerminated  LifecycleState = "Terminated"
	// StateFailed is terminal and requires external correction (naming
	// conflict, quota) before the resource can be re-created.
	StateFailed LifecycleState = "Failed"
)

func (s LifecycleState) String() string {
	return string(s)
}

// Resource is a tenancy unit in the source platform, mapped 1:1 to a
// project in the identity service. BackendID is the identity service's own
// key for the provisioned project and stays empty until provisioning.
type Resource struct {
	ID          string
	Name        string
	Description string
	BackendID   string
	State       LifecycleState
}

// Subject is a user identity tracked by the source platform and mirrored
// into the identity service.
type Subject struct {
	Username string
	Email    string
}
