// Package strategy keeps the named strategy factories and runs backtests of
// them against stored bar data.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"tradecore/internal/engine"
)

// ErrUnknownStrategy is returned when no factory is registered for a name.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// ErrInvalidParams wraps any error a factory returns for its parameters.
var ErrInvalidParams = errors.New("strategy: invalid params")

// Factory builds a fresh strategy instance from its parameters. Every run
// gets its own instance, so factories must not share mutable state.
type Factory func(params map[string]any) (engine.Strategy, error)

// Registry holds named strategy factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New builds the strategy registered under name.
func (r *Registry) New(name string, params map[string]any) (engine.Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("%w: building %s: %w", ErrInvalidParams, name, err)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeParams decodes a loosely typed parameter map into out, a pointer to
// a struct with mapstructure tags. Numbers and numeric strings convert to
// the field types, so values coming from YAML, JSON or a sweep grid all
// decode. Unknown keys are an error.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return nil
}
