// Package memory provides an in-memory implementation of the kernel
// interfaces. It is used by tests and by the dry-run mode of the
// daemon; nothing in it touches the host kernel.
package memory

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"syscall"

	"github.com/frobware/go-trafficctl/interpreter"
)

// Map is an in-memory hash map with fixed key and value sizes.
//
// The mutex stands in for the kernel's per-bucket lock: it makes each
// single-key operation atomic and nothing more. Callers never see it.
type Map struct {
	spec interpreter.MapSpec

	mu       sync.Mutex
	entries  map[string][]byte
	ops      int
	failNext map[string]error
}

// NewMap returns an empty map shaped by spec.
func NewMap(spec interpreter.MapSpec) *Map {
	return &Map{
		spec:     spec,
		entries:  make(map[string][]byte),
		failNext: make(map[string]error),
	}
}

// Spec returns the shape the map was created with.
func (m *Map) Spec() interpreter.MapSpec { return m.spec }

// errNoEntry carries the errno a kernel map reports for a missing key.
var errNoEntry = fmt.Errorf("%w: %w", interpreter.ErrNotFound, syscall.ENOENT)

// Lookup implements interpreter.RawMap.
func (m *Map) Lookup(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("lookup", key); err != nil {
		return nil, err
	}
	v, ok := m.entries[string(key)]
	if !ok {
		return nil, errNoEntry
	}
	return slices.Clone(v), nil
}

// Update implements interpreter.RawMap.
func (m *Map) Update(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("update", key); err != nil {
		return err
	}
	if uint32(len(value)) != m.spec.ValueSize {
		return fmt.Errorf("map %s: value is %d bytes, want %d", m.spec.Name, len(value), m.spec.ValueSize)
	}
	if _, exists := m.entries[string(key)]; !exists && uint32(len(m.entries)) >= m.spec.MaxEntries {
		return fmt.Errorf("map %s: %w: %w", m.spec.Name, interpreter.ErrMapFull, syscall.E2BIG)
	}
	m.entries[string(key)] = slices.Clone(value)
	return nil
}

// Delete implements interpreter.RawMap.
func (m *Map) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("delete", key); err != nil {
		return err
	}
	if _, ok := m.entries[string(key)]; !ok {
		return errNoEntry
	}
	delete(m.entries, string(key))
	return nil
}

// Entries implements interpreter.RawMap. Each step of the walk takes
// the lock separately, so concurrent writers interleave with it the
// way they do with a kernel map iteration.
func (m *Map) Entries() iter.Seq2[interpreter.RawEntry, error] {
	return func(yield func(interpreter.RawEntry, error) bool) {
		m.mu.Lock()
		if err := m.begin("iterate", nil); err != nil {
			m.mu.Unlock()
			yield(interpreter.RawEntry{}, err)
			return
		}
		keys := slices.Collect(maps.Keys(m.entries))
		m.mu.Unlock()

		for _, k := range keys {
			m.mu.Lock()
			v, ok := m.entries[k]
			v = slices.Clone(v)
			m.mu.Unlock()
			if !ok {
				continue
			}
			if !yield(interpreter.RawEntry{Key: []byte(k), Value: v}, nil) {
				return
			}
		}
	}
}

// Close implements interpreter.RawMap. A Map returned by NewMap has
// no handle to release; handles returned by Kernel.OpenOrCreateMap
// track their own state.
func (m *Map) Close() error { return nil }

// Len returns the number of entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Ops returns how many operations have been attempted on the map.
func (m *Map) Ops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops
}

// FailNext makes the next operation of the given kind ("lookup",
// "update", "delete" or "iterate") return err.
func (m *Map) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

func (m *Map) begin(op string, key []byte) error {
	m.ops++
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	if key != nil && uint32(len(key)) != m.spec.KeySize {
		return fmt.Errorf("map %s: key is %d bytes, want %d", m.spec.Name, len(key), m.spec.KeySize)
	}
	return nil
}
