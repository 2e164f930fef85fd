package schema

import "encoding/json"

// WorkflowDefinition is the template an instance is started from.
// Definitions are immutable once registered; a changed definition is stored
// as a new version.
type WorkflowDefinition struct {
	Name        string           `json:"name"`
	Version     int              `json:"version,omitempty"`
	Description string           `json:"description,omitempty"`
	Mode        FlowMode         `json:"mode,omitempty"` // sequential | parallel (default: sequential)
	Steps       []StepDefinition `json:"steps"`
	InputSchema json.RawMessage  `json:"input_schema,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name,omitempty"`
	Description          string           `json:"description,omitempty"`
	Type                 StepType         `json:"type,omitempty"`     // default: approval
	Assignee             string           `json:"assignee,omitempty"` // user id or expr:/jq:/cel: rule
	DependsOn            []string         `json:"depends_on,omitempty"`
	When                 string           `json:"when,omitempty"`      // CEL entry predicate
	Condition            string           `json:"condition,omitempty"` // CEL, condition steps only
	Blocking             *bool            `json:"blocking,omitempty"`  // default: true
	DelegationNotAllowed bool             `json:"delegation_not_allowed,omitempty"`
	DueIn                string           `json:"due_in,omitempty"` // e.g. "48h"
	Steps                []StepDefinition `json:"steps,omitempty"`  // children of parallel/sequential groups
}

// IsBlocking reports whether a rejection of this step rejects the instance.
func (s *StepDefinition) IsBlocking() bool {
	return s.Blocking == nil || *s.Blocking
}

// EffectiveType returns the step type, defaulting to approval.
func (s *StepDefinition) EffectiveType() StepType {
	if s.Type == "" {
		return StepTypeApproval
	}
	return s.Type
}

// FlowMode controls how top-level steps without explicit dependencies are ordered.
type FlowMode string

const (
	ModeSequential FlowMode = "sequential"
	ModeParallel   FlowMode = "parallel"
)

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeApproval     StepType = "approval"
	StepTypeReview       StepType = "review"
	StepTypeNotification StepType = "notification"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeSequential   StepType = "sequential"
	StepTypeCustom       StepType = "custom"
)

// IsGroup reports whether the type gates a set of child steps.
func (t StepType) IsGroup() bool {
	return t == StepTypeParallel || t == StepTypeSequential
}

// Assignable reports whether steps of this type are given to a user.
func (t StepType) Assignable() bool {
	switch t {
	case StepTypeApproval, StepTypeReview, StepTypeNotification, StepTypeCustom:
		return true
	}
	return false
}
