// Package settings implements the type-keyed parameter store consumed by the
// network driver, its layers and its pipeline stages.
//
// Each parameter is a struct implementing Parameter; the store keeps one slot
// per concrete type with last-write-wins semantics, validating every insert.
// Once a store is frozen (as it is when exposed through the driver) further
// writes are rejected.
package settings

import (
	"errors"
	"fmt"
	"sync"
)

// ErrReadOnly indicates a write to a frozen store.
var ErrReadOnly = errors.New("settings are read-only")

// Parameter is one configuration structure. Validate is called on insert;
// an invalid structure never enters the store.
type Parameter interface {
	Validate() error
}

// Settings is a heterogeneous map holding at most one value per concrete
// Parameter type. Safe for concurrent use.
type Settings struct {
	mu     sync.RWMutex
	params map[string]Parameter
	frozen bool
}

// New creates an empty store.
func New() *Settings {
	return &Settings{params: make(map[string]Parameter)}
}

// Clone returns an unfrozen deep-enough copy (parameters are value structs).
func (s *Settings) Clone() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := New()
	for k, v := range s.params {
		out.params[k] = v
	}
	return out
}

// Freeze marks the store read-only.
func (s *Settings) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// IsReadOnly reports whether the store has been frozen.
func (s *Settings) IsReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Set validates and stores a parameter structure, replacing any previous
// value of the same type.
func Set[T Parameter](s *Settings, value T) error {
	if err := value.Validate(); err != nil {
		return fmt.Errorf("invalid %T: %w", value, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrReadOnly
	}
	s.params[typeKey(value)] = value
	return nil
}

// Get retrieves the stored parameter of type T.
func Get[T Parameter](s *Settings) (T, bool) {
	var zero T

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.params[typeKey(zero)]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// GetOrDefault retrieves the stored parameter of type T, falling back to def.
func GetOrDefault[T Parameter](s *Settings, def T) T {
	if v, ok := Get[T](s); ok {
		return v
	}
	return def
}

func typeKey(v Parameter) string {
	return fmt.Sprintf("%T", v)
}
