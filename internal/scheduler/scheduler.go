// Package scheduler fires trigger events on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// Run statuses recorded on a scheduled trigger.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// TriggerStore is the subset of store.Store the scheduler needs.
type TriggerStore interface {
	CreateScheduledTrigger(ctx context.Context, st *store.ScheduledTrigger) error
	ListScheduledTriggers(ctx context.Context, filter store.ScheduledTriggerFilter) ([]*store.ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update store.ScheduledTriggerUpdate) error
	DeleteScheduledTrigger(ctx context.Context, id string) error
}

// Firer dispatches trigger events. Satisfied by *engine.Dispatcher.
type Firer interface {
	FireBatch(ctx context.Context, reqs []engine.FireRequest) []engine.FireResponse
}

// Scheduler polls the store for due scheduled triggers and fires them.
type Scheduler struct {
	store    TriggerStore
	firer    Firer
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler that polls every interval (60s when zero).
func NewScheduler(st TriggerStore, firer Firer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		firer:    firer,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Register validates and persists a scheduled trigger, computing its first
// run time.
func (s *Scheduler) Register(ctx context.Context, st *store.ScheduledTrigger) error {
	if st.OrganizationID == "" || st.TriggerEvent == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled trigger needs an organization and a trigger event")
	}
	next, err := s.CalculateNextRun(st.CronExpression, s.now())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	st.NextRunAt = &next
	return s.store.CreateScheduledTrigger(ctx, st)
}

// List returns the scheduled triggers of an organization (all when orgID is empty).
func (s *Scheduler) List(ctx context.Context, orgID string) ([]*store.ScheduledTrigger, error) {
	return s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{OrganizationID: orgID})
}

// Remove deletes a scheduled trigger.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	return s.store.DeleteScheduledTrigger(ctx, id)
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Catch up on anything missed while the process was down.
	s.RunDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue fires every enabled trigger whose next run is at or before now and
// returns how many were fired. Triggers already in flight are skipped.
func (s *Scheduler) RunDue(ctx context.Context) int {
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	var (
		due  []*store.ScheduledTrigger
		reqs []engine.FireRequest
	)
	for _, st := range triggers {
		if st.NextRunAt != nil && st.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(st.ID) {
			continue
		}
		due = append(due, st)
		reqs = append(reqs, engine.FireRequest{
			OrganizationID: st.OrganizationID,
			Event:          st.TriggerEvent,
			Context:        BuildContext(st),
		})
	}
	if len(due) == 0 {
		return 0
	}
	defer func() {
		for _, st := range due {
			s.release(st.ID)
		}
	}()

	responses := s.firer.FireBatch(ctx, reqs)
	for i, resp := range responses {
		st := due[i]
		status := StatusSuccess
		switch {
		case resp.Err != nil:
			status = StatusError
			s.logger.Error("scheduled trigger failed",
				slog.String("trigger_id", st.ID),
				slog.String("event", st.TriggerEvent),
				slog.String("error", resp.Err.Error()),
			)
		case resp.Result != nil && !resp.Result.Success:
			status = StatusFailed
		}
		if err := s.markRun(ctx, st, now, status); err != nil {
			s.logger.Error("failed to update scheduled trigger",
				slog.String("trigger_id", st.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(due)
}

func (s *Scheduler) markRun(ctx context.Context, st *store.ScheduledTrigger, now time.Time, status string) error {
	next, err := s.CalculateNextRun(st.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", st.ID, err)
	}
	return s.store.UpdateScheduledTrigger(ctx, st.ID, store.ScheduledTriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// BuildContext creates a fresh execution context from a scheduled trigger.
// An empty WorkflowName is derived from the trigger event.
func BuildContext(st *store.ScheduledTrigger) *execution.Context {
	name := st.WorkflowName
	if name == "" {
		name = validation.EventName(st.TriggerEvent)
	}
	ec := execution.NewContext(name)
	for _, in := range st.Inputs {
		ec.AddInput(in.Kind, schema.CloneConfig(in.Payload))
	}
	for _, o := range st.Objects {
		ec.AddObject(o.ID, o.Kind)
	}
	ec.Merge(schema.CloneConfig(st.Data))
	return ec
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the polling loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
