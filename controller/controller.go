// Package controller is the facade the daemon's request layer talks
// to. It brings accounting up in order (maps, then programs, then the
// socket destroy listener) and exposes the accounting operations.
//
// Accounting is all or nothing. If the kernel lacks eBPF support, or
// any startup step fails, everything acquired so far is released and
// every operation returns trafficctl.ErrUnsupported. The daemon keeps
// running either way.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/bpffs"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/internal/undo"
	"github.com/frobware/go-trafficctl/interpreter"
	"github.com/frobware/go-trafficctl/loader"
	"github.com/frobware/go-trafficctl/lock"
	"github.com/frobware/go-trafficctl/reconciler"
	"github.com/frobware/go-trafficctl/registry"
	"github.com/frobware/go-trafficctl/tagging"
)

// Operation names reported to the Observer.
const (
	OpTagSocket     = "tag_socket"
	OpUntagSocket   = "untag_socket"
	OpSetCounterSet = "set_counter_set"
	OpDeleteTagData = "delete_tag_data"
)

// Observer is told about operation outcomes and accounting state.
type Observer interface {
	reconciler.Observer
	ObserveOp(op string, err error)
	SetSupported(ok bool)
}

type nopObserver struct{}

func (nopObserver) ObserveOp(string, error) {}
func (nopObserver) ObserveDestroy(string)   {}
func (nopObserver) SetSupported(bool)       {}

// Options configures a Controller.
type Options struct {
	Paths config.Paths
	Maps  config.MapsConfig

	// Object is the ELF file holding the classification programs.
	Object string
	Hooks  []loader.Hook

	// LockFile, when set, is held while maps and programs are
	// opened or created.
	LockFile string

	// MountInfo, when set, is checked for bpffs at the BPF root and
	// cgroup2 at the cgroup root before any map is created.
	MountInfo string

	// Source delivers socket destroy events. Nil disables the
	// reconciler.
	Source reconciler.Source

	Observer Observer
}

// OptionsFromConfig derives Options from a validated config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	paths, err := cfg.Paths()
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Paths:    paths,
		Maps:     cfg.Maps,
		Object:   cfg.BPF.Object,
		LockFile: cfg.BPF.LockFile,
		Hooks: []loader.Hook{
			{Attach: trafficctl.AttachIngress, ProgramName: cfg.BPF.IngressProgram},
			{Attach: trafficctl.AttachEgress, ProgramName: cfg.BPF.EgressProgram},
		},
	}
	if cfg.BPF.CheckMounts {
		opts.MountInfo = cfg.BPF.MountInfo
	}
	return opts, nil
}

// Controller owns the accounting components.
type Controller struct {
	kernel   interpreter.KernelOperations
	opts     Options
	observer Observer
	logger   *slog.Logger
	// base is handed to the components, which add their own
	// component attribute.
	base *slog.Logger

	// engine is nil while accounting is unavailable. Operations load
	// it without locking.
	engine atomic.Pointer[tagging.Engine]

	mu        sync.Mutex
	started   bool
	resources undo.Stack
}

// New returns a controller. Nothing happens until Start.
func New(kernel interpreter.KernelOperations, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Controller{
		kernel:   kernel,
		opts:     opts,
		observer: observer,
		logger:   logger.With("component", "controller"),
		base:     logger,
	}
}

// Start brings accounting up. It returns nil with Supported false on
// a kernel without eBPF support. On any other failure the error is
// returned, everything acquired is released, any attachment of the
// hooks is removed so the kernel stops counting, and accounting stays
// disabled.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	// resources are released by Close as well; onFailure only when
	// Start fails.
	var resources, onFailure undo.Stack
	fail := func(step string, err error) error {
		err = fmt.Errorf("%s: %w", step, err)
		c.logger.Error("traffic accounting disabled", "error", err)
		if rbErr := onFailure.Rollback(c.logger); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		if rbErr := resources.Rollback(c.logger); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		c.observer.SetSupported(false)
		return err
	}

	if c.opts.LockFile != "" {
		l, err := lock.Acquire(ctx, c.opts.LockFile)
		if err != nil {
			return fail("setup lock", err)
		}
		defer l.Release()
	}

	var regOpts []registry.Option
	if c.opts.MountInfo != "" {
		regOpts = append(regOpts, registry.WithPreflight(func() error {
			return bpffs.Check(c.opts.MountInfo, c.opts.Paths.Root(), c.opts.Paths.CgroupRoot())
		}))
	}
	reg := registry.New(c.kernel, c.opts.Paths, c.opts.Maps, c.base, regOpts...)
	supported, err := reg.Start(ctx)
	if err != nil {
		return fail("map registry", err)
	}
	if !supported {
		c.logger.Warn("eBPF traffic accounting not supported on this kernel")
		c.observer.SetSupported(false)
		c.started = true
		return nil
	}
	resources.Push(reg.Close)

	maps, err := reg.Maps()
	if err != nil {
		return fail("map registry", err)
	}

	ld := loader.New(c.kernel, c.opts.Paths, c.opts.Object, c.base)
	resources.Push(ld.Close)
	onFailure.Push(func() error {
		return ld.Detach(context.WithoutCancel(ctx), c.opts.Hooks)
	})
	if err := ld.AttachAll(ctx, c.opts.Hooks, maps.ByName()); err != nil {
		return fail("program loader", err)
	}

	engine := tagging.New(maps, c.kernel, c.base)

	if c.opts.Source != nil {
		// The listener outlives Start, so it must not inherit ctx.
		rec := reconciler.New(c.opts.Source, engine, c.base, reconciler.WithObserver(c.observer))
		if err := rec.Start(context.WithoutCancel(ctx)); err != nil {
			return fail("socket destroy reconciler", err)
		}
		resources.Push(rec.Close)
	}

	c.resources = resources
	c.started = true
	c.engine.Store(engine)
	c.observer.SetSupported(true)
	c.logger.Info("traffic accounting enabled", "cgroup", c.opts.Paths.CgroupRoot())
	return nil
}

// Supported reports whether accounting is active.
func (c *Controller) Supported() bool {
	return c.engine.Load() != nil
}

// Close disables accounting and releases the maps, held links and the
// reconciler. Pinned maps, programs and links stay in the kernel.
//
// Close must not run concurrently with the accounting operations: an
// operation that already loaded the engine may still be using map
// handles that Close releases, and a released descriptor number can
// be reused by the process.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.Store(nil)
	c.started = false
	c.observer.SetSupported(false)
	return c.resources.Rollback(c.logger)
}

func (c *Controller) do(op string, fn func(*tagging.Engine) error) error {
	e := c.engine.Load()
	if e == nil {
		c.observer.ObserveOp(op, trafficctl.ErrUnsupported)
		return trafficctl.ErrUnsupported
	}
	err := fn(e)
	c.observer.ObserveOp(op, err)
	return err
}

// TagSocket attributes the socket behind fd to (uid, tag).
func (c *Controller) TagSocket(fd int, tag, uid uint32) error {
	return c.do(OpTagSocket, func(e *tagging.Engine) error { return e.TagSocket(fd, tag, uid) })
}

// UntagSocket removes the tag of the socket behind fd.
func (c *Controller) UntagSocket(fd int) error {
	return c.do(OpUntagSocket, func(e *tagging.Engine) error { return e.UntagSocket(fd) })
}

// SetCounterSet assigns uid to counterSet.
func (c *Controller) SetCounterSet(counterSet int, uid uint32) error {
	return c.do(OpSetCounterSet, func(e *tagging.Engine) error { return e.SetCounterSet(counterSet, uid) })
}

// DeleteTagData removes the data of uid for tag, or for all tags when
// tag is 0.
func (c *Controller) DeleteTagData(tag, uid uint32) error {
	return c.do(OpDeleteTagData, func(e *tagging.Engine) error { return e.DeleteTagData(tag, uid) })
}

// Snapshot reads the accounting maps.
func (c *Controller) Snapshot() (*tagging.Snapshot, error) {
	e := c.engine.Load()
	if e == nil {
		return nil, trafficctl.ErrUnsupported
	}
	return e.Snapshot()
}

// Tag returns the tag of the socket behind fd.
func (c *Controller) Tag(fd int) (trafficctl.UidTag, error) {
	e := c.engine.Load()
	if e == nil {
		return trafficctl.UidTag{}, trafficctl.ErrUnsupported
	}
	return e.Tag(fd)
}

// CounterSet returns the counter set of uid.
func (c *Controller) CounterSet(uid uint32) (uint32, error) {
	e := c.engine.Load()
	if e == nil {
		return 0, trafficctl.ErrUnsupported
	}
	return e.CounterSet(uid)
}
