package interpreter

import (
	"encoding/binary"
	"fmt"
	"iter"
)

// Entry is one decoded key/value pair.
type Entry[K, V any] struct {
	Key   K
	Value V
}

// Map is a typed view over a RawMap. Keys and values are encoded in
// host byte order with no padding, which is how the kernel program
// lays out the same structs.
type Map[K, V any] struct {
	raw       RawMap
	keySize   int
	valueSize int
}

// NewMap wraps raw. It panics if K or V has no fixed binary size.
func NewMap[K, V any](raw RawMap) *Map[K, V] {
	var k K
	var v V
	ks, vs := binary.Size(k), binary.Size(v)
	if ks <= 0 || vs <= 0 {
		panic(fmt.Sprintf("interpreter.Map: %T/%T have no fixed binary size", k, v))
	}
	return &Map[K, V]{raw: raw, keySize: ks, valueSize: vs}
}

// Raw returns the underlying byte-level map.
func (m *Map[K, V]) Raw() RawMap { return m.raw }

// Lookup returns the value for key, or ErrNotFound.
func (m *Map[K, V]) Lookup(key K) (V, error) {
	var v V
	kb, err := m.encodeKey(key)
	if err != nil {
		return v, err
	}
	vb, err := m.raw.Lookup(kb)
	if err != nil {
		return v, err
	}
	if err := m.decodeValue(vb, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Update inserts or overwrites the value for key.
func (m *Map[K, V]) Update(key K, value V) error {
	kb, err := m.encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := binary.Append(make([]byte, 0, m.valueSize), binary.NativeEndian, value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return m.raw.Update(kb, vb)
}

// Delete removes key. Returns ErrNotFound if it was absent.
func (m *Map[K, V]) Delete(key K) error {
	kb, err := m.encodeKey(key)
	if err != nil {
		return err
	}
	return m.raw.Delete(kb)
}

// All iterates every entry in the map.
func (m *Map[K, V]) All() iter.Seq2[Entry[K, V], error] {
	return func(yield func(Entry[K, V], error) bool) {
		for raw, err := range m.raw.Entries() {
			if err != nil {
				yield(Entry[K, V]{}, err)
				return
			}
			var e Entry[K, V]
			if err := m.decodeKey(raw.Key, &e.Key); err != nil {
				if !yield(Entry[K, V]{}, err) {
					return
				}
				continue
			}
			if err := m.decodeValue(raw.Value, &e.Value); err != nil {
				if !yield(Entry[K, V]{}, err) {
					return
				}
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Close releases the underlying map handle.
func (m *Map[K, V]) Close() error { return m.raw.Close() }

func (m *Map[K, V]) encodeKey(key K) ([]byte, error) {
	kb, err := binary.Append(make([]byte, 0, m.keySize), binary.NativeEndian, key)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	return kb, nil
}

func (m *Map[K, V]) decodeKey(b []byte, key *K) error {
	if len(b) != m.keySize {
		return fmt.Errorf("key is %d bytes, want %d", len(b), m.keySize)
	}
	if _, err := binary.Decode(b, binary.NativeEndian, key); err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	return nil
}

func (m *Map[K, V]) decodeValue(b []byte, value *V) error {
	if len(b) != m.valueSize {
		return fmt.Errorf("value is %d bytes, want %d", len(b), m.valueSize)
	}
	if _, err := binary.Decode(b, binary.NativeEndian, value); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}
