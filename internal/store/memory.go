package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// MemoryStore is a goroutine-safe Store backed by maps. It keeps copies of
// everything it is given, so callers never share state with it.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
	order     []string
	events    map[string][]*Event
	nextEvent int64
	triggers  map[string]*ScheduledTrigger
	secrets   map[string]map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*schema.Workflow),
		events:    make(map[string][]*Event),
		triggers:  make(map[string]*ScheduledTrigger),
		secrets:   make(map[string]map[string][]byte),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// --- Workflows ---

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)
	s.workflows[wf.ID] = wf.Clone()
	s.order = append(s.order, wf.ID)
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return wf.Clone(), nil
}

func (s *MemoryStore) UpdateWorkflowStatus(_ context.Context, id string, from, to schema.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return storeNotFound("workflow", id)
	}
	if wf.Status != from {
		return staleStatus(id, from, wf.Status)
	}
	wf.Status = to
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Workflow
	for _, id := range s.order {
		wf := s.workflows[id]
		if filter.OrganizationID != "" && wf.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.TriggerEvent != "" && wf.Execution.TriggerOn != filter.TriggerEvent {
			continue
		}
		if filter.TemplateID != "" && wf.TemplateID != filter.TemplateID {
			continue
		}
		out = append(out, wf.Clone())
	}

	// Insertion order is creation order unless callers supplied timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	delete(s.events, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// --- Audit log ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEvent++
	event.ID = s.nextEvent
	event.Sequence = int64(len(s.events[event.WorkflowID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	cp.Payload = append([]byte(nil), event.Payload...)
	s.events[event.WorkflowID] = append(s.events[event.WorkflowID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, workflowID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[workflowID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Scheduled Triggers ---

func (s *MemoryStore) CreateScheduledTrigger(_ context.Context, st *ScheduledTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[st.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled trigger %q already exists", st.ID)
	}
	st.CreatedAt = timeOrNow(st.CreatedAt)
	s.triggers[st.ID] = cloneTrigger(st)
	return nil
}

func (s *MemoryStore) GetScheduledTrigger(_ context.Context, id string) (*ScheduledTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.triggers[id]
	if !ok {
		return nil, storeNotFound("scheduled trigger", id)
	}
	return cloneTrigger(st), nil
}

func (s *MemoryStore) UpdateScheduledTrigger(_ context.Context, id string, update ScheduledTriggerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.triggers[id]
	if !ok {
		return storeNotFound("scheduled trigger", id)
	}
	if update.Enabled != nil {
		st.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		st.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		st.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		st.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListScheduledTriggers(_ context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduledTrigger
	for _, st := range s.triggers {
		if filter.OrganizationID != "" && st.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Enabled != nil && st.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, cloneTrigger(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteScheduledTrigger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[id]; !ok {
		return storeNotFound("scheduled trigger", id)
	}
	delete(s.triggers, id)
	return nil
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(_ context.Context, orgID, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.secrets[orgID]
	if !ok {
		org = make(map[string][]byte)
		s.secrets[orgID] = org
	}
	org[name] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, orgID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.secrets[orgID][name]
	if !ok {
		return nil, storeNotFound("secret", name)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, orgID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[orgID][name]; !ok {
		return storeNotFound("secret", name)
	}
	delete(s.secrets[orgID], name)
	return nil
}

func (s *MemoryStore) ListSecrets(_ context.Context, orgID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.secrets[orgID]))
	for name := range s.secrets[orgID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func cloneTrigger(st *ScheduledTrigger) *ScheduledTrigger {
	cp := *st
	cp.Inputs = make([]ScheduledInput, len(st.Inputs))
	for i, in := range st.Inputs {
		cp.Inputs[i] = ScheduledInput{Kind: in.Kind, Payload: schema.CloneConfig(in.Payload)}
	}
	cp.Objects = append([]ScheduledObject(nil), st.Objects...)
	cp.Data = schema.CloneConfig(st.Data)
	if st.LastRunAt != nil {
		t := *st.LastRunAt
		cp.LastRunAt = &t
	}
	if st.NextRunAt != nil {
		t := *st.NextRunAt
		cp.NextRunAt = &t
	}
	return &cp
}
