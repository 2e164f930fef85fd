package store

import (
	"context"
	"fmt"

	"github.com/rendis/hrflow/pkg/schema"
)

// ActionLister reads an instance's action log in sequence order.
type ActionLister interface {
	ListActions(ctx context.Context, instanceID string, since int64) ([]*ActionRecord, error)
}

// ActionLog provides read-side operations over the append-only action log.
type ActionLog struct {
	store ActionLister
}

// NewActionLog wraps a Store (or any ActionLister) to provide action log queries.
func NewActionLog(s ActionLister) *ActionLog {
	return &ActionLog{store: s}
}

// History returns actions for an instance with sequence > since, ordered by sequence ASC.
func (al *ActionLog) History(ctx context.Context, instanceID string, since int64) ([]*ActionRecord, error) {
	return al.store.ListActions(ctx, instanceID, since)
}

// StepHistory returns the actions recorded against one step.
func (al *ActionLog) StepHistory(ctx context.Context, instanceID, stepID string) ([]*ActionRecord, error) {
	all, err := al.store.ListActions(ctx, instanceID, 0)
	if err != nil {
		return nil, err
	}
	var out []*ActionRecord
	for _, a := range all {
		if a.StepID == stepID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Replay folds the action log into the last recorded status of every step.
// Returns an error if sequence gaps are detected.
func (al *ActionLog) Replay(ctx context.Context, instanceID string) (map[string]schema.StepStatus, error) {
	actions, err := al.store.ListActions(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get actions for replay: %w", err)
	}

	statuses := make(map[string]schema.StepStatus)
	for i, a := range actions {
		if expected := int64(i + 1); a.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %s: expected %d, got %d", instanceID, expected, a.Sequence)
		}
		if a.StepID == "" || a.ToStatus == "" {
			continue
		}
		statuses[a.StepID] = a.ToStatus
	}
	return statuses, nil
}
