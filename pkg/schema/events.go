package schema

// EventKind identifies an outbound workflow event.
type EventKind string

const (
	EventStepAssigned      EventKind = "step_assigned"
	EventStepCompleted     EventKind = "step_completed"
	EventStepRejected      EventKind = "step_rejected"
	EventWorkflowCompleted EventKind = "workflow_completed"

	EventWorkflowStarted   EventKind = "workflow_started"
	EventWorkflowRejected  EventKind = "workflow_rejected"
	EventWorkflowCancelled EventKind = "workflow_cancelled"
	EventStepSkipped       EventKind = "step_skipped"
	EventStepCommented     EventKind = "step_commented"
	EventChangesRequested  EventKind = "changes_requested"
	EventStepOverdue       EventKind = "step_overdue"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusDraft      InstanceStatus = "draft"
	InstanceStatusPending    InstanceStatus = "pending"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
	InstanceStatusRejected   InstanceStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusCancelled, InstanceStatusRejected:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusDraft      StepStatus = "draft"
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusRejected   StepStatus = "rejected"
	StepStatusCancelled  StepStatus = "cancelled"
	StepStatusSkipped    StepStatus = "skipped"
)

// Terminal reports whether the step has reached a final status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusRejected, StepStatusCancelled, StepStatusSkipped:
		return true
	}
	return false
}

// Actionable reports whether user actions may be applied to the step.
func (s StepStatus) Actionable() bool {
	return s == StepStatusPending || s == StepStatusInProgress
}
