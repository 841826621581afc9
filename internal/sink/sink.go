// Package sink receives channel values that passed the debounce cache.
package sink

import (
	"errors"
	"maps"
	"strconv"
	"sync"
	"time"
)

// Sink accepts one channel value. Implementations must not retain value if
// it is mutable; all values produced by this module are scalars.
type Sink interface {
	Set(id string, value any, ts time.Time) error
}

// Func adapts a function to Sink.
type Func func(id string, value any, ts time.Time) error

func (f Func) Set(id string, value any, ts time.Time) error { return f(id, value, ts) }

// Value is a channel value with its emission time in Unix milliseconds.
type Value struct {
	Val any   `json:"val"`
	TS  int64 `json:"ts"`
}

func NewValue(v any, ts time.Time) Value {
	return Value{Val: v, TS: ts.UnixMilli()}
}

// Multi fans a value out to every sink, in order. All sinks are called even
// when one fails; the errors are joined.
type Multi []Sink

func (m Multi) Set(id string, value any, ts time.Time) error {
	var errs []error
	for _, s := range m {
		if err := s.Set(id, value, ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps the last value of every channel.
type Memory struct {
	mu     sync.RWMutex
	values map[string]Value
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]Value)}
}

func (m *Memory) Set(id string, value any, ts time.Time) error {
	m.mu.Lock()
	m.values[id] = NewValue(value, ts)
	m.mu.Unlock()
	return nil
}

// Get returns the last value of id.
func (m *Memory) Get(id string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[id]
	return v, ok
}

// Snapshot returns a copy of all channel values.
func (m *Memory) Snapshot() map[string]Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}

// FormatValue renders a channel value as text. Booleans become "1"/"0".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "1"
		}
		return "0"
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return ""
	}
}
