package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Lookup when no handler is registered for an
// intent. It always indicates a configuration error.
var ErrNotFound = errors.New("no handler registered for intent")

// Registry maps intent names to descriptors. It is immutable after NewRegistry.
type Registry struct {
	byIntent map[string]Descriptor
	order    []string
}

// Option adjusts descriptors before the registry is frozen.
type Option func(map[string]Descriptor) error

// WithTimeoutOverrides replaces MaxDuration for the named intents.
func WithTimeoutOverrides(overrides map[string]time.Duration) Option {
	return func(table map[string]Descriptor) error {
		for name, d := range overrides {
			desc, ok := table[name]
			if !ok {
				return fmt.Errorf("timeout override for unknown intent %q", name)
			}
			if d <= 0 {
				return fmt.Errorf("timeout override for %q must be positive", name)
			}
			desc.MaxDuration = d
			table[name] = desc
		}
		return nil
	}
}

// NewRegistry validates descs and builds the registry.
func NewRegistry(descs []Descriptor, opts ...Option) (*Registry, error) {
	r := &Registry{byIntent: make(map[string]Descriptor, len(descs))}
	var problems []string
	for i, d := range descs {
		d.Intent = strings.TrimSpace(d.Intent)
		switch {
		case d.Intent == "":
			problems = append(problems, fmt.Sprintf("descriptor %d: empty intent", i))
			continue
		case d.Handler == nil:
			problems = append(problems, fmt.Sprintf("%s: nil handler", d.Intent))
			continue
		case !d.Cost.Valid():
			problems = append(problems, fmt.Sprintf("%s: invalid cost class %q", d.Intent, d.Cost))
			continue
		}
		if _, dup := r.byIntent[d.Intent]; dup {
			problems = append(problems, fmt.Sprintf("%s: registered twice", d.Intent))
			continue
		}
		if d.MaxDuration <= 0 {
			d.MaxDuration = d.Cost.DefaultMaxDuration()
		}
		r.byIntent[d.Intent] = d
		r.order = append(r.order, d.Intent)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid capability table: %s", strings.Join(problems, "; "))
	}

	for _, opt := range opts {
		if err := opt(r.byIntent); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Lookup returns the descriptor for intent or ErrNotFound.
func (r *Registry) Lookup(intent string) (Descriptor, error) {
	d, ok := r.byIntent[intent]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, intent)
	}
	return d, nil
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byIntent[name])
	}
	return out
}

// Intents returns the registered intent names, sorted.
func (r *Registry) Intents() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int { return len(r.order) }
