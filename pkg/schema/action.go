package schema

import "time"

// Action enumerates what an actor can do to a step.
type Action string

const (
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionDelegate       Action = "delegate"
	ActionComment        Action = "comment"
	ActionRequestChanges Action = "request_changes"
	ActionComplete       Action = "complete"
	ActionCancel         Action = "cancel"
)

// Engine-recorded actions. They appear in the action log but are never
// accepted from callers.
const (
	ActionStart    Action = "start"
	ActionActivate Action = "activate"
	ActionSkip     Action = "skip"
	ActionSettle   Action = "settle" // group or condition step resolved by the engine
)

// Valid reports whether a is an action callers may request.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionDelegate, ActionComment,
		ActionRequestChanges, ActionComplete, ActionCancel:
		return true
	}
	return false
}

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// System is the actor used for engine-initiated transitions.
var System = Actor{ID: "system"}

// Payload carries the optional inputs of an action.
type Payload struct {
	Comment    string     `json:"comment,omitempty"`
	DelegateTo string     `json:"delegate_to,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"` // overrides the due date of newly activated steps
}
