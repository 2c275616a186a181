package notify

import (
	"context"
	"sync"

	"github.com/rendis/opflow/internal/engine"
)

// Recent keeps the last N notifications received from a hub subscription.
type Recent struct {
	mu    sync.RWMutex
	items []engine.Notification
	size  int
}

// NewRecent creates a buffer holding at most size notifications.
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 100
	}
	return &Recent{size: size}
}

// Follow subscribes to hub and records every matching notification until ctx
// is done. It returns once the subscription is established.
func (r *Recent) Follow(ctx context.Context, hub Hub, filter Filter) error {
	ch, cancel, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				r.add(n)
			}
		}
	}()
	return nil
}

func (r *Recent) add(n engine.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if over := len(r.items) - r.size; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
	}
}

// List returns up to limit notifications for an organization, newest first.
// An empty orgID matches all organizations; limit <= 0 returns everything.
func (r *Recent) List(orgID string, limit int) []engine.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]engine.Notification, 0)
	for i := len(r.items) - 1; i >= 0; i-- {
		n := r.items[i]
		if orgID != "" && n.OrganizationID != orgID {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
