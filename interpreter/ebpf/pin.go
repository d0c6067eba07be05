package ebpf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-trafficctl/interpreter"
)

// OpenOrCreateMap opens the hash map pinned at spec.PinPath, or creates
// and pins one. A pin whose shape differs from spec is rejected rather
// than replaced: the classification program may still be using it.
func (k *kernelAdapter) OpenOrCreateMap(ctx context.Context, spec interpreter.MapSpec) (interpreter.RawMap, error) {
	m, err := ebpf.LoadPinnedMap(spec.PinPath, nil)
	switch {
	case err == nil:
		if err := checkShape(shapeOf(m), spec); err != nil {
			m.Close()
			return nil, err
		}
		k.logger.Debug("opened pinned map", "name", spec.Name, "path", spec.PinPath)
		return &rawMap{m: m}, nil

	case errors.Is(err, os.ErrNotExist):
		// Create below.

	default:
		return nil, fmt.Errorf("load pinned map %s: %w", spec.PinPath, err)
	}

	m, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       spec.Name,
		Type:       ebpf.Hash,
		KeySize:    spec.KeySize,
		ValueSize:  spec.ValueSize,
		MaxEntries: spec.MaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("create map %s: %w", spec.Name, err)
	}

	if err := os.MkdirAll(filepath.Dir(spec.PinPath), 0o755); err != nil {
		m.Close()
		return nil, fmt.Errorf("create pin directory for %s: %w", spec.Name, err)
	}
	if err := m.Pin(spec.PinPath); err != nil {
		m.Close()
		return nil, fmt.Errorf("pin map %s to %s: %w", spec.Name, spec.PinPath, err)
	}

	k.logger.Info("created map", "name", spec.Name, "path", spec.PinPath, "max_entries", spec.MaxEntries)
	return &rawMap{m: m}, nil
}

// mapShape is the part of a map's definition a pin must agree on.
type mapShape struct {
	Type       ebpf.MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
}

func shapeOf(m *ebpf.Map) mapShape {
	return mapShape{Type: m.Type(), KeySize: m.KeySize(), ValueSize: m.ValueSize(), MaxEntries: m.MaxEntries()}
}

func checkShape(got mapShape, spec interpreter.MapSpec) error {
	want := mapShape{Type: ebpf.Hash, KeySize: spec.KeySize, ValueSize: spec.ValueSize, MaxEntries: spec.MaxEntries}
	if got != want {
		return fmt.Errorf("pinned map %s is %s key=%d value=%d max=%d, want hash key=%d value=%d max=%d",
			spec.PinPath, got.Type, got.KeySize, got.ValueSize, got.MaxEntries,
			spec.KeySize, spec.ValueSize, spec.MaxEntries)
	}
	return nil
}

// rawMap adapts *ebpf.Map to interpreter.RawMap.
type rawMap struct {
	m *ebpf.Map
}

func (r *rawMap) Lookup(key []byte) ([]byte, error) {
	value := make([]byte, r.m.ValueSize())
	if err := r.m.Lookup(key, value); err != nil {
		return nil, translate(err)
	}
	return value, nil
}

func (r *rawMap) Update(key, value []byte) error {
	return translate(r.m.Update(key, value, ebpf.UpdateAny))
}

func (r *rawMap) Delete(key []byte) error {
	return translate(r.m.Delete(key))
}

func (r *rawMap) Entries() iter.Seq2[interpreter.RawEntry, error] {
	return func(yield func(interpreter.RawEntry, error) bool) {
		key := make([]byte, r.m.KeySize())
		value := make([]byte, r.m.ValueSize())
		it := r.m.Iterate()
		for it.Next(key, value) {
			if !yield(interpreter.RawEntry{Key: bytes.Clone(key), Value: bytes.Clone(value)}, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(interpreter.RawEntry{}, translate(err))
		}
	}
}

func (r *rawMap) Close() error { return r.m.Close() }

// translate maps cilium/ebpf sentinel errors onto the interpreter's.
// The original error stays in the chain so the errno survives.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ebpf.ErrKeyNotExist):
		return fmt.Errorf("%w: %w", interpreter.ErrNotFound, err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", interpreter.ErrNotFound, err)
	case errors.Is(err, unix.E2BIG):
		return fmt.Errorf("%w: %w", interpreter.ErrMapFull, err)
	default:
		return err
	}
}
