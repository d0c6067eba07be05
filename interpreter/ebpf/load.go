package ebpf

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-trafficctl/interpreter"
)

// program adapts *ebpf.Program to interpreter.Program.
type program struct {
	p *ebpf.Program
}

func (p *program) Pin(path string) error {
	if err := p.p.Pin(path); err != nil {
		return fmt.Errorf("pin program to %s: %w", path, err)
	}
	return nil
}

func (p *program) Close() error { return p.p.Close() }

// LoadPinnedProgram opens a program pinned by an earlier run.
func (k *kernelAdapter) LoadPinnedProgram(ctx context.Context, path string) (interpreter.Program, error) {
	p, err := ebpf.LoadPinnedProgram(path, nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, interpreter.ErrNotFound)
		}
		return nil, fmt.Errorf("load pinned program %s: %w", path, err)
	}
	return &program{p: p}, nil
}

// LoadProgram loads one program from an ELF object.
//
// The object's own definitions of the maps named in spec.Maps are
// replaced with the registry's pinned maps, so the kernel side and
// userspace share the same tables. Maps the object does not declare
// are ignored. Any other maps the object declares are created
// unpinned and live as long as the program.
func (k *kernelAdapter) LoadProgram(ctx context.Context, spec interpreter.ProgramSpec) (interpreter.Program, error) {
	collSpec, err := ebpf.LoadCollectionSpec(spec.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection spec: %w", err)
	}

	if _, ok := collSpec.Programs[spec.ProgramName]; !ok {
		return nil, fmt.Errorf("program %q not found in %s", spec.ProgramName, spec.ObjectPath)
	}

	// Pinning is ours to decide; ignore PIN_BY_NAME annotations in
	// the object.
	for _, mapSpec := range collSpec.Maps {
		mapSpec.Pinning = ebpf.PinNone
	}

	replacements := make(map[string]*ebpf.Map)
	for name, m := range spec.Maps {
		if _, ok := collSpec.Maps[name]; !ok {
			k.logger.Debug("object does not declare map", "program", spec.ProgramName, "map", name)
			continue
		}
		rm, ok := m.(*rawMap)
		if !ok {
			return nil, fmt.Errorf("map %q was not opened by this adapter (%T)", name, m)
		}
		replacements[name] = rm.m
	}

	coll, err := ebpf.NewCollectionWithOptions(collSpec, ebpf.CollectionOptions{
		MapReplacements: replacements,
	})
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			k.logger.Error("verifier rejected program", "program", spec.ProgramName, "log", fmt.Sprintf("%+v", verr))
		}
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}
	defer coll.Close()

	prog := coll.DetachProgram(spec.ProgramName)
	if prog == nil {
		return nil, fmt.Errorf("program %q not found in collection", spec.ProgramName)
	}

	k.logger.Info("loaded program", "program", spec.ProgramName, "object", spec.ObjectPath, "shared_maps", len(replacements))
	return &program{p: prog}, nil
}
