// Package notify delivers step failure notifications raised under the notify
// failure policy.
package notify

import (
	"context"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/pkg/schema"
)

// Filter selects which notifications a subscriber receives. Empty fields
// match everything.
type Filter struct {
	OrganizationID string               `json:"organization_id,omitempty"`
	WorkflowID     string               `json:"workflow_id,omitempty"`
	Kinds          []schema.FailureKind `json:"kinds,omitempty"`
}

// Hub provides pub/sub for failure notifications.
type Hub interface {
	engine.Notifier
	Subscribe(ctx context.Context, filter Filter) (<-chan engine.Notification, func(), error)
}

// Matches reports whether n passes the filter.
func (f Filter) Matches(n engine.Notification) bool {
	if f.OrganizationID != "" && f.OrganizationID != n.OrganizationID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != n.WorkflowID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == n.Kind {
			return true
		}
	}
	return false
}
