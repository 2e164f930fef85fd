// Package scheduler runs the periodic overdue-step sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

const sweepBatch = 500

// StepQuerier finds candidate steps. Satisfied by store.Store.
type StepQuerier interface {
	QuerySteps(ctx context.Context, filter store.StepFilter) ([]*store.Step, error)
}

// OverdueFlagger flags one step. Satisfied by engine.Runner, which
// re-checks the step under the instance lock.
type OverdueFlagger interface {
	FlagOverdue(ctx context.Context, instanceID, stepID string) (bool, error)
}

// OverdueSweeper periodically flags active steps past their due date.
type OverdueSweeper struct {
	steps    StepQuerier
	flagger  OverdueFlagger
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // instance/step keys being flagged (dedup)
}

// NewOverdueSweeper creates a sweeper running on a five-field cron spec or
// a descriptor such as "@hourly" or "@every 10m". An empty spec uses DefaultSchedule.
func NewOverdueSweeper(steps StepQuerier, flagger OverdueFlagger, spec string, logger *slog.Logger) (*OverdueSweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OverdueSweeper{
		steps:    steps,
		flagger:  flagger,
		schedule: schedule,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}, nil
}

// ParseSchedule parses a sweep schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// Start launches the background loop. The first sweep runs immediately.
func (s *OverdueSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("overdue sweeper started")
	return nil
}

func (s *OverdueSweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.run(ctx)
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.run(ctx)
		}
	}
}

func (s *OverdueSweeper) run(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("overdue sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("overdue steps flagged", slog.Int("count", n))
	}
}

// Sweep flags every active step whose due date has passed and that has not
// been flagged yet. It returns the number of steps flagged. Failures on
// single steps are logged and do not stop the sweep.
func (s *OverdueSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	steps, err := s.steps.QuerySteps(ctx, store.StepFilter{
		Statuses:         []schema.StepStatus{schema.StepStatusPending, schema.StepStatusInProgress},
		DueBefore:        &now,
		OverdueUnflagged: true,
		Limit:            sweepBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list overdue steps: %w", err)
	}

	flagged := 0
	for _, st := range steps {
		if ctx.Err() != nil {
			return flagged, ctx.Err()
		}
		key := st.InstanceID + "/" + st.ID
		if !s.tryAcquire(key) {
			continue
		}
		ok, err := s.flagger.FlagOverdue(ctx, st.InstanceID, st.ID)
		s.release(key)
		if err != nil {
			s.logger.Error("failed to flag overdue step",
				slog.String("instance_id", st.InstanceID),
				slog.String("step_id", st.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			flagged++
		}
	}
	return flagged, nil
}

// NextRun returns the next sweep time after from.
func (s *OverdueSweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *OverdueSweeper) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *OverdueSweeper) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// Stop cancels the loop and waits for an in-progress sweep to finish.
func (s *OverdueSweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("overdue sweeper stopped")
	return nil
}
