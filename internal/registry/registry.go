package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownJobType is a configuration error: surfaced immediately, never
// retried. A job carrying an unregistered type is dead-lettered.
var ErrUnknownJobType = errors.New("unknown job type")

// HandlerFunc executes one job. The context carries the policy deadline and
// cooperative cancellation; handlers must check it before externally visible
// side effects, because an abandoned handler is not rolled back.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (result []byte, err error)

type IdempotencyMode int

const (
	// IdempotencyNone runs every delivery.
	IdempotencyNone IdempotencyMode = iota
	// IdempotencyCacheMarker gates execution on a set-if-absent cache
	// marker keyed by the job's idempotency key.
	IdempotencyCacheMarker
)

type Policy struct {
	MaxAttempts     int
	Timeout         time.Duration
	Backoff         Backoff
	IdempotencyMode IdempotencyMode
}

type entry struct {
	handler HandlerFunc
	policy  Policy
}

// Registry maps job-type names to handlers and policies. Register everything
// at startup, then Freeze; resolution after Freeze is lock-free because the
// map is never mutated again.
type Registry struct {
	entries map[string]entry
	frozen  bool
}

func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func (r *Registry) Register(jobType string, handler HandlerFunc, policy Policy) error {
	if r.frozen {
		return fmt.Errorf("register %s: registry is frozen", jobType)
	}
	if jobType == "" {
		return errors.New("register: empty job type")
	}
	if handler == nil {
		return fmt.Errorf("register %s: nil handler", jobType)
	}
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("register %s: max attempts must be >= 1", jobType)
	}
	if policy.Timeout <= 0 {
		return fmt.Errorf("register %s: timeout must be positive", jobType)
	}
	if _, exists := r.entries[jobType]; exists {
		return fmt.Errorf("register %s: already registered", jobType)
	}
	r.entries[jobType] = entry{handler: handler, policy: policy}
	return nil
}

// Freeze marks registration complete.
func (r *Registry) Freeze() { r.frozen = true }

func (r *Registry) Resolve(jobType string) (HandlerFunc, Policy, error) {
	e, ok := r.entries[jobType]
	if !ok {
		return nil, Policy{}, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return e.handler, e.policy, nil
}

// Types returns the registered job-type names.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	return out
}
