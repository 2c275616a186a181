package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/opflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, organization_id, name, description, status, subtype, template_id, document, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	doc, err := json.Marshal(workflowDocument{
		Participants: wf.Participants,
		Behaviors:    wf.Behaviors,
		Execution:    wf.Execution,
	})
	if err != nil {
		return fmt.Errorf("marshal workflow document: %w", err)
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, organization_id, name, description, status, subtype, trigger_event, template_id, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OrganizationID, wf.Name, nullStr(wf.Description), string(wf.Status),
		nullStr(wf.Subtype), wf.Execution.TriggerOn, nullStr(wf.TemplateID), string(doc),
		wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, id string, from, to schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing changed: either the workflow is gone or its status moved on.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("workflow", id)
	}
	if err != nil {
		return err
	}
	return staleStatus(id, from, schema.WorkflowStatus(current))
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TriggerEvent != "" {
		where = append(where, "trigger_event = ?")
		args = append(args, filter.TriggerEvent)
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	switch {
	case filter.Limit > 0 && filter.Offset > 0:
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	case filter.Limit > 0:
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	case filter.Offset > 0:
		// SQLite needs a LIMIT before OFFSET; -1 means no limit.
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		desc, subtype, templateID sql.NullString
		status, docJSON           string
	)
	if err := r.Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &desc, &status, &subtype,
		&templateID, &docJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Subtype = subtype.String
	wf.TemplateID = templateID.String
	wf.Status = schema.WorkflowStatus(status)

	var doc workflowDocument
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal workflow document: %w", err)
	}
	wf.Participants = doc.Participants
	wf.Behaviors = doc.Behaviors
	wf.Execution = doc.Execution
	if wf.Participants == nil {
		wf.Participants = []schema.Participant{}
	}
	if wf.Behaviors == nil {
		wf.Behaviors = []schema.BehaviorInstance{}
	}
	return wf, nil
}

// --- Scheduled Triggers ---

const scheduledTriggerColumns = `id, organization_id, trigger_event, workflow_name, cron_expression, context, enabled, last_run_at, next_run_at, last_run_status, created_at`

// scheduledContext is the JSON column holding a trigger's execution context.
type scheduledContext struct {
	Inputs  []ScheduledInput  `json:"inputs,omitempty"`
	Objects []ScheduledObject `json:"objects,omitempty"`
	Data    map[string]any    `json:"data,omitempty"`
}

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error {
	ctxJSON, err := json.Marshal(scheduledContext{Inputs: st.Inputs, Objects: st.Objects, Data: st.Data})
	if err != nil {
		return fmt.Errorf("marshal trigger context: %w", err)
	}
	st.CreatedAt = timeOrNow(st.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (`+scheduledTriggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.OrganizationID, st.TriggerEvent, nullStr(st.WorkflowName), st.CronExpression,
		string(ctxJSON), boolToInt(st.Enabled), nullTime(st.LastRunAt), nullTime(st.NextRunAt),
		nullStr(st.LastRunStatus), st.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled trigger %q already exists", st.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledTriggerColumns+` FROM scheduled_triggers WHERE id = ?`, id)
	st, err := scanScheduledTrigger(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled trigger", id)
	}
	return st, err
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_triggers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT ` + scheduledTriggerColumns + ` FROM scheduled_triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*ScheduledTrigger
	for rows.Next() {
		st, err := scanScheduledTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, st)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, orgID, name string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (organization_id, name, value, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(organization_id, name) DO UPDATE SET value=excluded.value, rotated_at=excluded.created_at`,
		orgID, name, value, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, orgID, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE organization_id = ? AND name = ?`, orgID, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", name)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, orgID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE organization_id = ? AND name = ?`, orgID, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", name)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM secrets WHERE organization_id = ? ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanScheduledTrigger(r rowScanner) (*ScheduledTrigger, error) {
	st := &ScheduledTrigger{}
	var (
		workflowName, lastStatus sql.NullString
		ctxJSON                  string
		enabled                  int
		lastRun, nextRun         sql.NullTime
	)
	if err := r.Scan(&st.ID, &st.OrganizationID, &st.TriggerEvent, &workflowName, &st.CronExpression,
		&ctxJSON, &enabled, &lastRun, &nextRun, &lastStatus, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.WorkflowName = workflowName.String
	st.LastRunStatus = lastStatus.String
	st.Enabled = enabled != 0
	if lastRun.Valid {
		st.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		st.NextRunAt = &nextRun.Time
	}

	var sc scheduledContext
	if err := json.Unmarshal([]byte(ctxJSON), &sc); err != nil {
		return nil, fmt.Errorf("unmarshal trigger context: %w", err)
	}
	st.Inputs = sc.Inputs
	st.Objects = sc.Objects
	st.Data = sc.Data
	return st, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OpcodeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func staleStatus(id string, from, current schema.WorkflowStatus) *schema.OpcodeError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"workflow %q is %s, expected %s", id, current, from).
		WithDetails(map[string]any{"expected": string(from), "actual": string(current)})
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
