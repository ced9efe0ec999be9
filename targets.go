package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// JobFunc is the executable logic behind a target reference.
type JobFunc func(ctx context.Context, args []any, kwargs map[string]any) error

// TargetResolver maps target references to job functions. A miss is reported
// with ok=false, never with an error.
type TargetResolver interface {
	Resolve(ref string) (JobFunc, bool)
}

// TargetRegistry is a TargetResolver populated at process startup.
type TargetRegistry struct {
	mu      sync.RWMutex
	targets map[string]JobFunc
}

var _ TargetResolver = (*TargetRegistry)(nil)

func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{targets: make(map[string]JobFunc)}
}

func (r *TargetRegistry) Register(ref string, fn JobFunc) error {
	if ref == "" || fn == nil {
		return errors.New("target reference and function are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[ref]; exists {
		return errors.Newf("target %q already registered", ref)
	}
	r.targets[ref] = fn

	return nil
}

// MustRegister is Register for startup code; it panics on conflicts.
func (r *TargetRegistry) MustRegister(ref string, fn JobFunc) {
	if err := r.Register(ref, fn); err != nil {
		panic(err)
	}
}

// Unregister removes ref. Jobs pointing at it become stale on the next
// reconciliation.
func (r *TargetRegistry) Unregister(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, ref)
}

func (r *TargetRegistry) Resolve(ref string) (JobFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.targets[ref]
	return fn, ok
}

func (r *TargetRegistry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.targets))
	for ref := range r.targets {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	return refs
}
