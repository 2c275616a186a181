package behaviors

import (
	"sort"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// Registry is a thread-safe mapping from behavior type to implementation.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[string]Behavior
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		behaviors: make(map[string]Behavior),
	}
}

// Register adds a behavior. Returns CONFLICT if the type is already taken.
func (r *Registry) Register(b Behavior) error {
	if b == nil {
		return schema.NewError(schema.ErrCodeValidation, "behavior is nil")
	}
	typ := b.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "behavior type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.behaviors[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "behavior %q already registered", typ)
	}

	r.behaviors[typ] = b
	return nil
}

// MustRegister registers each behavior and panics on failure.
func (r *Registry) MustRegister(bs ...Behavior) {
	for _, b := range bs {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
}

// Get retrieves a behavior by type.
func (r *Registry) Get(behaviorType string) (Behavior, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.behaviors[behaviorType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownBehaviorType, "behavior type %q not registered", behaviorType)
	}
	return b, nil
}

// Has checks if a behavior type is registered.
func (r *Registry) Has(behaviorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.behaviors[behaviorType]
	return ok
}

// ConfigSchema returns the JSON Schema a behavior declares for its config.
// The second return is false when the type is unknown or declares none.
func (r *Registry) ConfigSchema(behaviorType string) ([]byte, bool) {
	r.mu.RLock()
	b, ok := r.behaviors[behaviorType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s := b.Schema().ConfigSchema
	return s, len(s) > 0
}

// List returns info for all registered behaviors, sorted by type.
func (r *Registry) List() []BehaviorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BehaviorInfo, 0, len(r.behaviors))
	for _, b := range r.behaviors {
		infos = append(infos, BehaviorInfo{
			Type:        b.Type(),
			Description: b.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Count returns the number of registered behaviors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.behaviors)
}
