package controller_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/bpffs"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/controller"
	"github.com/frobware/go-trafficctl/interpreter/memory"
	"github.com/frobware/go-trafficctl/lock"
	"github.com/frobware/go-trafficctl/reconciler"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set TRAFFICD_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("TRAFFICD_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type chanSource struct {
	ch  chan reconciler.DestroyEvent
	err error
}

func (s *chanSource) Subscribe(ctx context.Context) (<-chan reconciler.DestroyEvent, error) {
	return s.ch, s.err
}

type recordingObserver struct {
	mu        sync.Mutex
	ops       map[string][]error
	destroys  []string
	supported []bool
}

func (o *recordingObserver) ObserveOp(op string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops == nil {
		o.ops = make(map[string][]error)
	}
	o.ops[op] = append(o.ops[op], err)
}

func (o *recordingObserver) ObserveDestroy(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroys = append(o.destroys, result)
}

func (o *recordingObserver) SetSupported(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.supported = append(o.supported, ok)
}

func (o *recordingObserver) lastSupported() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.supported) > 0 && o.supported[len(o.supported)-1]
}

func testOptions(t *testing.T) controller.Options {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BPF.CheckMounts = false
	cfg.BPF.LockFile = filepath.Join(t.TempDir(), "setup.lock")
	opts, err := controller.OptionsFromConfig(&cfg)
	require.NoError(t, err)
	return opts
}

func TestStartAndOperate(t *testing.T) {
	kernel := memory.New()
	obs := &recordingObserver{}
	opts := testOptions(t)
	opts.Observer = obs
	c := controller.New(kernel, opts, testLogger())

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	assert.True(t, c.Supported())
	assert.True(t, obs.lastSupported())
	assert.Equal(t, 1, kernel.Attached(opts.Paths.CgroupRoot(), trafficctl.AttachIngress))
	assert.Equal(t, 1, kernel.Attached(opts.Paths.CgroupRoot(), trafficctl.AttachEgress))

	fd := kernel.OpenSocket()
	require.NoError(t, c.TagSocket(fd, 100, 1000))
	got, err := c.Tag(fd)
	require.NoError(t, err)
	assert.Equal(t, trafficctl.UidTag{UID: 1000, Tag: 100}, got)

	require.NoError(t, c.SetCounterSet(1, 1000))
	cs, err := c.CounterSet(1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cs)

	assert.ErrorIs(t, c.SetCounterSet(2, 1000), trafficctl.ErrInvalidArgument)

	require.NoError(t, c.UntagSocket(fd))
	require.NoError(t, c.DeleteTagData(0, 1000))

	snap, err := c.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Cookies)
	assert.Empty(t, snap.CounterSets)

	assert.Len(t, obs.ops[controller.OpSetCounterSet], 2)
	assert.ErrorIs(t, obs.ops[controller.OpSetCounterSet][1], trafficctl.ErrInvalidArgument)

	// Start is idempotent.
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 4, kernel.OpenHandles())
}

func TestUnsupportedKernel(t *testing.T) {
	kernel := memory.New(memory.WithSupported(false))
	c := controller.New(kernel, testOptions(t), testLogger())

	require.NoError(t, c.Start(context.Background()))
	assert.False(t, c.Supported())

	fd := kernel.OpenSocket()
	for name, err := range map[string]error{
		"tag":        c.TagSocket(fd, 1, 1000),
		"untag":      c.UntagSocket(fd),
		"counterset": c.SetCounterSet(1, 1000),
		"delete":     c.DeleteTagData(0, 1000),
	} {
		assert.ErrorIs(t, err, trafficctl.ErrUnsupported, name)
		assert.Equal(t, -int(syscall.EOPNOTSUPP), trafficctl.Errno(err), name)
	}
	_, err := c.Snapshot()
	assert.ErrorIs(t, err, trafficctl.ErrUnsupported)

	assert.Zero(t, kernel.MapOps(), "no map may be touched")
	assert.Zero(t, kernel.OpenHandles())
	assert.NoError(t, c.Close())
}

func TestStartFailureDisablesAccounting(t *testing.T) {
	tests := []struct {
		name  string
		setup func(k *memory.Kernel, opts *controller.Options) error
	}{{
		name: "map open",
		setup: func(k *memory.Kernel, opts *controller.Options) error {
			err := errors.New("EPERM")
			k.FailOpen(opts.Paths.TagStatsMap(), err)
			return err
		},
	}, {
		name: "program load",
		setup: func(k *memory.Kernel, opts *controller.Options) error {
			err := errors.New("verifier rejected egress program")
			k.FailLoad(trafficctl.EgressProgName, err)
			return err
		},
	}, {
		name: "reconciler subscription",
		setup: func(k *memory.Kernel, opts *controller.Options) error {
			err := errors.New("netlink: operation not permitted")
			opts.Source = &chanSource{err: err}
			return err
		},
	}}

	kernels := map[string]func() *memory.Kernel{
		"pinned links": func() *memory.Kernel { return memory.New() },
		"held links":   func() *memory.Kernel { return memory.New(memory.WithoutLinkPinning()) },
	}

	for _, tt := range tests {
		for kname, newKernel := range kernels {
			t.Run(tt.name+"/"+kname, func(t *testing.T) {
				kernel := newKernel()
				opts := testOptions(t)
				obs := &recordingObserver{}
				opts.Observer = obs
				want := tt.setup(kernel, &opts)

				c := controller.New(kernel, opts, testLogger())
				err := c.Start(context.Background())
				require.ErrorIs(t, err, want)

				assert.False(t, c.Supported())
				assert.False(t, obs.lastSupported())
				assert.Zero(t, kernel.OpenHandles(), "map handles must be released")
				assert.Zero(t, kernel.Attached(opts.Paths.CgroupRoot(), trafficctl.AttachIngress), "no hook may keep counting")
				assert.Zero(t, kernel.Attached(opts.Paths.CgroupRoot(), trafficctl.AttachEgress))
				assert.False(t, kernel.Pinned(opts.Paths.Link(trafficctl.AttachIngress)))
				assert.False(t, kernel.Pinned(opts.Paths.Link(trafficctl.AttachEgress)))
				assert.ErrorIs(t, c.TagSocket(kernel.OpenSocket(), 1, 1), trafficctl.ErrUnsupported)
			})
		}
	}
}

func TestStartChecksMounts(t *testing.T) {
	mountinfo := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(mountinfo, []byte(
		"30 22 0:27 / /sys/fs/bpf rw shared:9 - bpf bpf rw\n"), 0o644))

	kernel := memory.New()
	opts := testOptions(t)
	opts.MountInfo = mountinfo
	c := controller.New(kernel, opts, testLogger())

	err := c.Start(context.Background())
	var nm bpffs.NotMountedError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, bpffs.FSTypeCgroup2, nm.FSType)
	assert.False(t, kernel.Pinned(opts.Paths.CookieTagMap()))
	assert.False(t, c.Supported())
}

func TestDestroyEventsRemoveTags(t *testing.T) {
	kernel := memory.New()
	src := &chanSource{ch: make(chan reconciler.DestroyEvent)}
	obs := &recordingObserver{}
	opts := testOptions(t)
	opts.Source = src
	opts.Observer = obs
	c := controller.New(kernel, opts, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	// Cancelling the start context must not stop the listener.
	cancel()

	fd := kernel.OpenSocket()
	require.NoError(t, c.TagSocket(fd, 7, 1000))
	cookie, _ := kernel.CloseSocket(fd)

	src.ch <- reconciler.DestroyEvent{Cookie: cookie}
	require.Eventually(t, func() bool {
		snap, err := c.Snapshot()
		return err == nil && len(snap.Cookies) == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	obs.mu.Lock()
	assert.Equal(t, []string{reconciler.ResultDeleted}, obs.destroys)
	obs.mu.Unlock()
}

func TestCloseReleasesAndRestartReopens(t *testing.T) {
	kernel := memory.New()
	opts := testOptions(t)
	c := controller.New(kernel, opts, testLogger())
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.SetCounterSet(1, 1000))

	require.NoError(t, c.Close())
	assert.False(t, c.Supported())
	assert.Zero(t, kernel.OpenHandles())
	assert.ErrorIs(t, c.SetCounterSet(1, 1000), trafficctl.ErrUnsupported)
	// Pinned attachments stay.
	assert.Equal(t, 1, kernel.Attached(opts.Paths.CgroupRoot(), trafficctl.AttachIngress))

	require.NoError(t, c.Start(context.Background()))
	cs, err := c.CounterSet(1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cs, "maps survive a restart")
	assert.Equal(t, 1, kernel.Attached(opts.Paths.CgroupRoot(), trafficctl.AttachIngress))

	// The reused pinned programs still count into the maps.
	fd := kernel.OpenSocket()
	require.NoError(t, c.TagSocket(fd, 5, 1000))
	cookie, err := kernel.SocketCookie(fd)
	require.NoError(t, err)
	require.NoError(t, kernel.Deliver(opts.Paths.CgroupRoot(), trafficctl.AttachEgress, memory.Packet{
		Cookie: cookie, SocketUID: 1000, IfaceIndex: 2, Protocol: memory.ProtoTCP, Bytes: 1500,
	}))
	snap, err := c.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.TagStats, 1)
	assert.Equal(t, trafficctl.StatsKey{UID: 1000, Tag: 5, CounterSet: 1, IfaceIndex: 2}, snap.TagStats[0].Key)
	assert.Equal(t, uint64(1500), snap.TagStats[0].Stats.TxTCPBytes)
	require.NoError(t, c.Close())
}

func TestStartWaitsForSetupLock(t *testing.T) {
	kernel := memory.New()
	opts := testOptions(t)

	held, err := lock.Acquire(context.Background(), opts.LockFile)
	require.NoError(t, err)
	defer held.Release()

	c := controller.New(kernel, opts, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = c.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "setup lock")
	assert.False(t, c.Supported())
	assert.Zero(t, kernel.MapOps())

	require.NoError(t, held.Release())
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	assert.True(t, c.Supported())
}
