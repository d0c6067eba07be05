// Package loader loads the classification programs and attaches them
// to the ingress and egress hooks of the accounting cgroup.
//
// Attachment is idempotent across daemon restarts. Each program and
// each cgroup link is pinned next to the maps:
//
//	{root}/ingress_prog          program
//	{root}/traffic_ingress_link  link to {cgroup} ingress
//
// On start the pinned program is reused if present, and a pinned link
// is updated in place instead of attaching a second copy of the
// program to the same hook. A pinned program is never reloaded from
// the object, so a new object takes effect only after its program
// pins are removed. Kernels that attach without a bpf_link
// leave nothing to pin; the attachment is then held by the daemon and
// a restart attaches again.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/interpreter"
)

// Kernel is the subset of kernel operations the loader needs.
type Kernel interface {
	interpreter.ProgramLoader
	interpreter.ProgramAttacher
}

// Hook names the program to attach to one cgroup hook.
type Hook struct {
	Attach      trafficctl.AttachType
	ProgramName string
}

// Loader loads and attaches classification programs.
type Loader struct {
	kernel Kernel
	paths  config.Paths
	object string
	logger *slog.Logger

	mu sync.Mutex
	// held are links that could not be pinned. Closing one detaches
	// the program, so they live until Close.
	held map[trafficctl.AttachType]interpreter.Link
}

// New returns a loader that reads programs from the ELF object at
// objectPath.
func New(kernel Kernel, paths config.Paths, objectPath string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		kernel: kernel,
		paths:  paths,
		object: objectPath,
		logger: logger.With("component", "loader"),
		held:   make(map[trafficctl.AttachType]interpreter.Link),
	}
}

// AttachAll attaches every hook. A failure on one hook does not stop
// the others from being attempted; the errors are joined.
func (l *Loader) AttachAll(ctx context.Context, hooks []Hook, maps map[string]interpreter.RawMap) error {
	var errs []error
	for _, h := range hooks {
		if err := l.LoadAndAttach(ctx, h, maps); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadAndAttach makes sure the program named by h is loaded, pinned
// and attached exactly once to the hook.
func (l *Loader) LoadAndAttach(ctx context.Context, h Hook, maps map[string]interpreter.RawMap) error {
	if h.Attach != trafficctl.AttachIngress && h.Attach != trafficctl.AttachEgress {
		return fmt.Errorf("attach %s: %w", h.Attach, trafficctl.ErrInvalidArgument)
	}
	logger := l.logger.With("attach", h.Attach.String(), "program", h.ProgramName)

	prog, err := l.program(ctx, h, maps, logger)
	if err != nil {
		logger.Error("failed to load program", "error", err)
		return fmt.Errorf("%s: %w", h.Attach, err)
	}
	defer prog.Close()

	if err := l.attach(ctx, h.Attach, prog, logger); err != nil {
		logger.Error("failed to attach program", "cgroup", l.paths.CgroupRoot(), "error", err)
		return fmt.Errorf("%s: %w", h.Attach, err)
	}
	return nil
}

func (l *Loader) program(ctx context.Context, h Hook, maps map[string]interpreter.RawMap, logger *slog.Logger) (interpreter.Program, error) {
	pinPath := l.paths.Program(h.Attach)

	prog, err := l.kernel.LoadPinnedProgram(ctx, pinPath)
	if err == nil {
		logger.Debug("reusing pinned program", "path", pinPath)
		return prog, nil
	}
	if !errors.Is(err, interpreter.ErrNotFound) {
		return nil, err
	}

	prog, err = l.kernel.LoadProgram(ctx, interpreter.ProgramSpec{
		ObjectPath:  l.object,
		ProgramName: h.ProgramName,
		Maps:        maps,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s from %s: %w", h.ProgramName, l.object, err)
	}
	if err := prog.Pin(pinPath); err != nil {
		prog.Close()
		return nil, err
	}
	logger.Info("loaded and pinned program", "path", pinPath)
	return prog, nil
}

func (l *Loader) attach(ctx context.Context, attach trafficctl.AttachType, prog interpreter.Program, logger *slog.Logger) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.held[attach]; ok {
		return held.Update(prog)
	}

	linkPath := l.paths.Link(attach)
	pinned, err := l.kernel.LoadPinnedLink(ctx, linkPath)
	switch {
	case err == nil:
		defer pinned.Close()
		if err := pinned.Update(prog); err != nil {
			return err
		}
		logger.Info("updated pinned link", "path", linkPath)
		return nil
	case !errors.Is(err, interpreter.ErrNotFound):
		return err
	}

	link, err := l.kernel.AttachCgroup(ctx, l.paths.CgroupRoot(), attach, prog)
	if err != nil {
		return err
	}

	err = link.Pin(linkPath)
	switch {
	case err == nil:
		logger.Info("attached and pinned link", "cgroup", l.paths.CgroupRoot(), "path", linkPath)
		return link.Close()
	case errors.Is(err, interpreter.ErrPinUnsupported):
		logger.Warn("link cannot be pinned; attachment lasts until the daemon exits", "cgroup", l.paths.CgroupRoot())
		l.held[attach] = link
		return nil
	default:
		if cerr := link.Close(); cerr != nil {
			logger.Error("failed to detach unpinned link", "error", cerr)
		}
		return err
	}
}

// Detach removes every attachment of hooks, pinned or held, so no
// classification program sees traffic on them. Pinned programs stay;
// without a link they are never run.
func (l *Loader) Detach(ctx context.Context, hooks []Hook) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if held, ok := l.held[h.Attach]; ok {
			delete(l.held, h.Attach)
			if err := held.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s link: %w", h.Attach, err))
			}
		}

		linkPath := l.paths.Link(h.Attach)
		pinned, err := l.kernel.LoadPinnedLink(ctx, linkPath)
		switch {
		case errors.Is(err, interpreter.ErrNotFound):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", h.Attach, err))
			continue
		}
		if err := pinned.Unpin(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Attach, err))
		}
		if err := pinned.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s link: %w", h.Attach, err))
		}
		l.logger.Info("detached program", "attach", h.Attach.String(), "cgroup", l.paths.CgroupRoot())
	}
	return errors.Join(errs...)
}

// Close releases links that could not be pinned, detaching their
// programs. Pinned attachments are left in place.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for attach, link := range l.held {
		if err := link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s link: %w", attach, err))
		}
		delete(l.held, attach)
	}
	return errors.Join(errs...)
}
