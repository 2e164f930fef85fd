package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/hrflow/pkg/schema"
)

// Definition is a stored, versioned workflow definition.
type Definition struct {
	Name        string                    `json:"name"`
	Version     int                       `json:"version"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	CreatedBy   string                    `json:"created_by,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

// Instance is one running execution of a definition. It carries its own copy
// of the definition so later versions never affect it.
type Instance struct {
	ID                string                    `json:"id"`
	DefinitionName    string                    `json:"definition_name"`
	DefinitionVersion int                       `json:"definition_version"`
	Definition        schema.WorkflowDefinition `json:"definition"`
	Status            schema.InstanceStatus     `json:"status"`
	Initiator         string                    `json:"initiator"`
	Data              map[string]any            `json:"data,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	StartedAt         *time.Time                `json:"started_at,omitempty"`
	CompletedAt       *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

// Clone returns a copy safe to mutate without touching the receiver.
// Definition and Data are shared; neither is mutated after creation.
func (i *Instance) Clone() *Instance {
	c := *i
	return &c
}

// Step is one unit of work within an instance.
type Step struct {
	InstanceID        string            `json:"instance_id"`
	ID                string            `json:"id"`
	ParentID          string            `json:"parent_id,omitempty"`
	Name              string            `json:"name,omitempty"`
	Description       string            `json:"description,omitempty"`
	Type              schema.StepType   `json:"type"`
	Status            schema.StepStatus `json:"status"`
	Position          int               `json:"position"`
	Stage             int               `json:"stage"`
	Assignee          string            `json:"assignee,omitempty"`
	DueAt             *time.Time        `json:"due_at,omitempty"`
	OverdueNotifiedAt *time.Time        `json:"overdue_notified_at,omitempty"`
	Blocking          bool              `json:"blocking"`
	DelegationAllowed bool              `json:"delegation_allowed"`
	Delegations       []Delegation      `json:"delegations,omitempty"`
	ActivatedAt       *time.Time        `json:"activated_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	c := *s
	if s.Delegations != nil {
		c.Delegations = append([]Delegation(nil), s.Delegations...)
	}
	return &c
}

// Delegation is one entry of a step's assignment history.
type Delegation struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ActionRecord is an immutable entry of an instance's action log.
type ActionRecord struct {
	ID         int64             `json:"id"`
	InstanceID string            `json:"instance_id"`
	StepID     string            `json:"step_id,omitempty"`
	Sequence   int64             `json:"sequence"`
	Actor      string            `json:"actor"`
	Action     schema.Action     `json:"action"`
	Comment    string            `json:"comment,omitempty"`
	DelegateTo string            `json:"delegate_to,omitempty"`
	FromStatus schema.StepStatus `json:"from_status,omitempty"`
	ToStatus   schema.StepStatus `json:"to_status,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Changeset is everything one instance mutation writes. It is applied in a
// single transaction.
type Changeset struct {
	Instance *Instance
	Steps    []*Step
	Actions  []*ActionRecord
}

// Empty reports whether the changeset writes nothing.
func (c *Changeset) Empty() bool {
	return c.Instance == nil && len(c.Steps) == 0 && len(c.Actions) == 0
}

// User is a directory entry for someone who can be assigned steps.
type User struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Email      string          `json:"email,omitempty"`
	Roles      []string        `json:"roles,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// Notification is an inbox entry delivered through the database channel.
type Notification struct {
	ID         int64           `json:"id"`
	UserID     string          `json:"user_id"`
	InstanceID string          `json:"instance_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	Kind       string          `json:"kind"`
	Subject    string          `json:"subject"`
	Body       string          `json:"body,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ReadAt     *time.Time      `json:"read_at,omitempty"`
}

// --- Filters ---

// InstanceFilter controls which instances are returned by ListInstances.
type InstanceFilter struct {
	Status         *schema.InstanceStatus
	Initiator      string
	DefinitionName string
	Limit          int
	Offset         int
}

// StepFilter controls which steps are returned by QuerySteps.
type StepFilter struct {
	Assignee         string
	Statuses         []schema.StepStatus
	DueBefore        *time.Time
	OverdueUnflagged bool
	Limit            int
}

// NotificationFilter controls which notifications are returned.
type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}
