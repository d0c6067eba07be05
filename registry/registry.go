// Package registry owns the four accounting maps. It creates or opens
// them at their pinned paths and keeps the handles for the lifetime of
// the daemon.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/internal/undo"
	"github.com/frobware/go-trafficctl/interpreter"
)

// ErrNotStarted is returned by operations that need the maps before
// Start has succeeded.
var ErrNotStarted = errors.New("map registry not started")

// Kernel is the subset of kernel operations the registry needs.
type Kernel interface {
	interpreter.Prober
	interpreter.MapOpener
}

// Maps holds typed handles to the accounting maps.
type Maps struct {
	CookieTag     *interpreter.Map[trafficctl.Cookie, trafficctl.UidTag]
	UidCounterSet *interpreter.Map[uint32, uint32]
	UidStats      *interpreter.Map[trafficctl.StatsKey, trafficctl.Stats]
	TagStats      *interpreter.Map[trafficctl.StatsKey, trafficctl.Stats]
}

// ByName returns the raw maps keyed by the names the classification
// program declares them under.
func (m *Maps) ByName() map[string]interpreter.RawMap {
	return map[string]interpreter.RawMap{
		trafficctl.CookieTagMapName:     m.CookieTag.Raw(),
		trafficctl.UidCounterSetMapName: m.UidCounterSet.Raw(),
		trafficctl.UidStatsMapName:      m.UidStats.Raw(),
		trafficctl.TagStatsMapName:      m.TagStats.Raw(),
	}
}

// Registry opens and owns the accounting maps.
type Registry struct {
	kernel Kernel
	paths  config.Paths
	caps   config.MapsConfig
	logger *slog.Logger

	preflight func() error

	// mu serialises Start and Close. Map operations never take it.
	mu      sync.Mutex
	maps    *Maps
	handles undo.Stack
}

// Option configures a Registry.
type Option func(*Registry)

// WithPreflight runs fn after the support probe passes and before any
// map is opened. An error from fn fails Start.
func WithPreflight(fn func() error) Option {
	return func(r *Registry) { r.preflight = fn }
}

// New returns a registry for the maps under paths with capacities caps.
func New(kernel Kernel, paths config.Paths, caps config.MapsConfig, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		kernel: kernel,
		paths:  paths,
		caps:   caps,
		logger: logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start probes for eBPF support and creates or opens the maps.
//
// On a kernel without the required facilities it returns false and a
// nil error, and no map is touched. If any map cannot be opened, every
// handle already acquired is closed and the error is returned.
// Calling Start again after success is a no-op.
func (r *Registry) Start(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maps != nil {
		return true, nil
	}

	supported, err := r.kernel.Probe(ctx)
	if err != nil {
		return false, fmt.Errorf("probe eBPF support: %w", err)
	}
	if !supported {
		r.logger.Warn("kernel does not support eBPF traffic accounting")
		return false, nil
	}

	if r.preflight != nil {
		if err := r.preflight(); err != nil {
			r.logger.Error("preflight check failed", "error", err)
			return false, err
		}
	}

	var handles undo.Stack
	open := func(name, path string, keySize, valueSize, capacity uint32) (interpreter.RawMap, error) {
		raw, err := r.kernel.OpenOrCreateMap(ctx, interpreter.MapSpec{
			Name:       name,
			PinPath:    path,
			KeySize:    keySize,
			ValueSize:  valueSize,
			MaxEntries: capacity,
		})
		if err != nil {
			return nil, fmt.Errorf("open map %s: %w", name, err)
		}
		handles.Push(raw.Close)
		return raw, nil
	}

	fail := func(err error) (bool, error) {
		r.logger.Error("failed to open accounting maps", "error", err)
		if rbErr := handles.Rollback(r.logger); rbErr != nil {
			return false, errors.Join(err, fmt.Errorf("release maps: %w", rbErr))
		}
		return false, err
	}

	cookieTag, err := open(trafficctl.CookieTagMapName, r.paths.CookieTagMap(),
		trafficctl.CookieSize, trafficctl.UidTagSize, r.caps.CookieTag)
	if err != nil {
		return fail(err)
	}
	counterSet, err := open(trafficctl.UidCounterSetMapName, r.paths.UidCounterSetMap(),
		trafficctl.UIDSize, trafficctl.CounterSetSize, r.caps.UidCounterSet)
	if err != nil {
		return fail(err)
	}
	uidStats, err := open(trafficctl.UidStatsMapName, r.paths.UidStatsMap(),
		trafficctl.StatsKeySize, trafficctl.StatsSize, r.caps.UidStats)
	if err != nil {
		return fail(err)
	}
	tagStats, err := open(trafficctl.TagStatsMapName, r.paths.TagStatsMap(),
		trafficctl.StatsKeySize, trafficctl.StatsSize, r.caps.TagStats)
	if err != nil {
		return fail(err)
	}

	r.maps = &Maps{
		CookieTag:     interpreter.NewMap[trafficctl.Cookie, trafficctl.UidTag](cookieTag),
		UidCounterSet: interpreter.NewMap[uint32, uint32](counterSet),
		UidStats:      interpreter.NewMap[trafficctl.StatsKey, trafficctl.Stats](uidStats),
		TagStats:      interpreter.NewMap[trafficctl.StatsKey, trafficctl.Stats](tagStats),
	}
	r.handles = handles

	r.logger.Info("accounting maps ready", "root", r.paths.Root())
	return true, nil
}

// Maps returns the open maps, or ErrNotStarted.
func (r *Registry) Maps() (*Maps, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maps == nil {
		return nil, ErrNotStarted
	}
	return r.maps, nil
}

// Close releases every map handle. The pins stay, so the kernel
// program keeps counting and a later Start reopens the same maps.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maps = nil
	return r.handles.Rollback(r.logger)
}
