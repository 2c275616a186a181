package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-workflow sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, behavior_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.BehaviorID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, behavior_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var behaviorID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &behaviorID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.BehaviorID = behaviorID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// StepState is the last recorded status of one behavior, rebuilt from the log.
type StepState struct {
	BehaviorID string            `json:"behavior_id"`
	Status     schema.StepStatus `json:"status"`
	Runs       int               `json:"runs"`
	Failures   int               `json:"failures"`
	LastAt     time.Time         `json:"last_at"`
}

// ReplaySteps folds a workflow's events into per-behavior step states.
// Events must be the complete log in sequence order; gaps are an error.
func ReplaySteps(workflowID string, events []*Event) (map[string]*StepState, error) {
	states := make(map[string]*StepState)

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
		if e.BehaviorID == "" {
			continue
		}

		ss, ok := states[e.BehaviorID]
		if !ok {
			ss = &StepState{BehaviorID: e.BehaviorID}
			states[e.BehaviorID] = ss
		}

		switch e.Type {
		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ss.Runs++
		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.Runs++
			ss.Failures++
		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped
		default:
			continue
		}
		ss.LastAt = e.Timestamp
	}

	return states, nil
}
