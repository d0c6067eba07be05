package tagging_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/interpreter"
	"github.com/frobware/go-trafficctl/interpreter/memory"
	"github.com/frobware/go-trafficctl/loader"
	"github.com/frobware/go-trafficctl/logging"
	"github.com/frobware/go-trafficctl/registry"
	"github.com/frobware/go-trafficctl/tagging"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set TRAFFICD_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("TRAFFICD_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	kernel *memory.Kernel
	paths  config.Paths
	maps   *registry.Maps
	engine *tagging.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kernel := memory.New()
	paths, err := config.NewPaths("/sys/fs/bpf", "/dev/cg2_bpf")
	require.NoError(t, err)

	reg := registry.New(kernel, paths, config.DefaultConfig().Maps, testLogger())
	ok, err := reg.Start(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { reg.Close() })

	maps, err := reg.Maps()
	require.NoError(t, err)
	return &fixture{
		kernel: kernel,
		paths:  paths,
		maps:   maps,
		engine: tagging.New(maps, kernel, testLogger()),
	}
}

func (f *fixture) rawMap(t *testing.T, name string) *memory.Map {
	t.Helper()
	m, ok := f.kernel.PinnedMap(f.paths.Map(name))
	require.True(t, ok, name)
	return m
}

func (f *fixture) cookie(t *testing.T, fd int) trafficctl.Cookie {
	t.Helper()
	c, err := f.kernel.SocketCookie(fd)
	require.NoError(t, err)
	return c
}

func (f *fixture) cookieTag(t *testing.T, fd int) (trafficctl.UidTag, bool) {
	t.Helper()
	v, err := f.maps.CookieTag.Lookup(f.cookie(t, fd))
	if errors.Is(err, interpreter.ErrNotFound) {
		return trafficctl.UidTag{}, false
	}
	require.NoError(t, err)
	return v, true
}

func TestTagSocket(t *testing.T) {
	f := newFixture(t)
	fd := f.kernel.OpenSocket()

	require.NoError(t, f.engine.TagSocket(fd, 100, 1000))

	got, ok := f.cookieTag(t, fd)
	require.True(t, ok)
	assert.Equal(t, trafficctl.UidTag{UID: 1000, Tag: 100}, got)

	tag, err := f.engine.Tag(fd)
	require.NoError(t, err)
	assert.Equal(t, got, tag)
}

func TestTagSocketTracesMapOperations(t *testing.T) {
	f := newFixture(t)
	fd := f.kernel.OpenSocket()

	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{CLISpec: "warn,tagging=trace", Output: &buf})
	require.NoError(t, err)
	engine := tagging.New(f.maps, f.kernel, logger)

	require.NoError(t, engine.TagSocket(fd, 100, 1000))
	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, `msg="map update"`)
	assert.Contains(t, out, "map="+trafficctl.CookieTagMapName)

	buf.Reset()
	require.NoError(t, engine.SetCounterSet(1, 1000))
	assert.Contains(t, buf.String(), "map="+trafficctl.UidCounterSetMapName)

	// Below trace, map operations are silent.
	quiet, err := logging.New(logging.Options{CLISpec: "warn,tagging=debug", Output: &buf})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, tagging.New(f.maps, f.kernel, quiet).TagSocket(fd, 101, 1000))
	assert.NotContains(t, buf.String(), "level=TRACE")
}

func TestTagSocketOverwrites(t *testing.T) {
	f := newFixture(t)
	fd := f.kernel.OpenSocket()

	require.NoError(t, f.engine.TagSocket(fd, 1, 1000))
	require.NoError(t, f.engine.TagSocket(fd, 2, 2000))

	got, ok := f.cookieTag(t, fd)
	require.True(t, ok)
	assert.Equal(t, trafficctl.UidTag{UID: 2000, Tag: 2}, got)
	assert.Equal(t, 1, f.rawMap(t, trafficctl.CookieTagMapName).Len())
}

func TestTagSocketInvalidFD(t *testing.T) {
	f := newFixture(t)
	ops := f.kernel.MapOps()

	for _, fd := range []int{-1, 999} {
		err := f.engine.TagSocket(fd, 1, 1000)
		require.ErrorIs(t, err, trafficctl.ErrInvalidArgument)
		assert.ErrorIs(t, err, syscall.EBADF)
		assert.Equal(t, -int(syscall.EINVAL), trafficctl.Errno(err))
	}
	assert.Equal(t, ops, f.kernel.MapOps(), "argument errors must not touch the maps")
}

func TestTagSocketClosedSocket(t *testing.T) {
	f := newFixture(t)
	fd := f.kernel.OpenSocket()
	f.kernel.CloseSocket(fd)

	assert.ErrorIs(t, f.engine.TagSocket(fd, 1, 1000), trafficctl.ErrInvalidArgument)
	assert.ErrorIs(t, f.engine.UntagSocket(fd), trafficctl.ErrInvalidArgument)
}

func TestTagSocketMapFull(t *testing.T) {
	f := newFixture(t)
	for range trafficctl.CookieTagMapSize {
		require.NoError(t, f.engine.TagSocket(f.kernel.OpenSocket(), 1, 1000))
	}

	err := f.engine.TagSocket(f.kernel.OpenSocket(), 1, 1000)
	require.ErrorIs(t, err, interpreter.ErrMapFull)
	assert.Equal(t, -int(syscall.E2BIG), trafficctl.Errno(err))
}

func TestUntagSocket(t *testing.T) {
	f := newFixture(t)
	fd := f.kernel.OpenSocket()
	other := f.kernel.OpenSocket()
	require.NoError(t, f.engine.TagSocket(fd, 1, 1000))
	require.NoError(t, f.engine.TagSocket(other, 1, 1000))

	require.NoError(t, f.engine.UntagSocket(fd))
	_, ok := f.cookieTag(t, fd)
	assert.False(t, ok)
	_, ok = f.cookieTag(t, other)
	assert.True(t, ok, "untag must not affect other sockets")

	_, err := f.engine.Tag(fd)
	assert.ErrorIs(t, err, interpreter.ErrNotFound)
}

func TestUntagSocketIdempotent(t *testing.T) {
	f := newFixture(t)
	never := f.kernel.OpenSocket()
	tagged := f.kernel.OpenSocket()
	require.NoError(t, f.engine.TagSocket(tagged, 1, 1000))

	assert.NoError(t, f.engine.UntagSocket(never))
	assert.NoError(t, f.engine.UntagSocket(tagged))
	assert.NoError(t, f.engine.UntagSocket(tagged))
	assert.Zero(t, f.rawMap(t, trafficctl.CookieTagMapName).Len())
}

func TestUntagSocketKernelError(t *testing.T) {
	f := newFixture(t)
	fd := f.kernel.OpenSocket()
	require.NoError(t, f.engine.TagSocket(fd, 1, 1000))
	f.rawMap(t, trafficctl.CookieTagMapName).FailNext("delete", syscall.EPERM)

	err := f.engine.UntagSocket(fd)
	require.ErrorIs(t, err, syscall.EPERM)
	assert.Equal(t, -int(syscall.EPERM), trafficctl.Errno(err))
}

func TestDeleteCookie(t *testing.T) {
	f := newFixture(t)
	fd := f.kernel.OpenSocket()
	require.NoError(t, f.engine.TagSocket(fd, 1, 1000))
	cookie := f.cookie(t, fd)

	deleted, err := f.engine.DeleteCookie(cookie)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.engine.DeleteCookie(cookie)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSetCounterSet(t *testing.T) {
	f := newFixture(t)

	got, err := f.engine.CounterSet(1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(trafficctl.CounterSetDefault), got)

	for _, n := range []int{1, 0} {
		require.NoError(t, f.engine.SetCounterSet(n, 1000))
		got, err := f.engine.CounterSet(1000)
		require.NoError(t, err)
		assert.Equal(t, uint32(n), got)
	}
}

func TestSetCounterSetOutOfRange(t *testing.T) {
	f := newFixture(t)
	ops := f.kernel.MapOps()

	for _, n := range []int{-1, trafficctl.CounterSetsLimit, 100} {
		err := f.engine.SetCounterSet(n, 1000)
		var cse trafficctl.InvalidCounterSetError
		require.ErrorAs(t, err, &cse, "counter set %d", n)
		assert.Equal(t, n, cse.CounterSet)
		assert.ErrorIs(t, err, trafficctl.ErrInvalidArgument)
	}
	assert.Equal(t, ops, f.kernel.MapOps())
}

// Scenario: a tagged socket's traffic is counted into TagStats under
// its uid and tag, and into UidStats under its uid with tag 0.
func TestTaggedTrafficIsAttributed(t *testing.T) {
	f := newFixture(t)
	l := loader.New(f.kernel, f.paths, "/etc/trafficd/traffic_classifier.o", testLogger())
	require.NoError(t, l.AttachAll(context.Background(), []loader.Hook{
		{Attach: trafficctl.AttachIngress, ProgramName: trafficctl.IngressProgName},
		{Attach: trafficctl.AttachEgress, ProgramName: trafficctl.EgressProgName},
	}, f.maps.ByName()))

	fd := f.kernel.OpenSocket()
	require.NoError(t, f.engine.TagSocket(fd, 100, 1000))
	require.NoError(t, f.engine.SetCounterSet(1, 1000))

	require.NoError(t, f.kernel.Deliver(f.paths.CgroupRoot(), trafficctl.AttachEgress, memory.Packet{
		Cookie: f.cookie(t, fd), IfaceIndex: 7, Protocol: memory.ProtoTCP, Bytes: 1500,
	}))

	tagStats, err := f.maps.TagStats.Lookup(trafficctl.StatsKey{UID: 1000, Tag: 100, CounterSet: 1, IfaceIndex: 7})
	require.NoError(t, err)
	assert.Equal(t, trafficctl.Stats{TxTCPPackets: 1, TxTCPBytes: 1500}, tagStats)

	uidStats, err := f.maps.UidStats.Lookup(trafficctl.StatsKey{UID: 1000, CounterSet: 1, IfaceIndex: 7})
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), uidStats.TxTCPBytes)

	// After untagging, traffic falls back to the socket owner only.
	require.NoError(t, f.engine.UntagSocket(fd))
	require.NoError(t, f.kernel.Deliver(f.paths.CgroupRoot(), trafficctl.AttachEgress, memory.Packet{
		Cookie: f.cookie(t, fd), SocketUID: 1000, IfaceIndex: 7, Protocol: memory.ProtoTCP, Bytes: 100,
	}))
	tagStats, err = f.maps.TagStats.Lookup(trafficctl.StatsKey{UID: 1000, Tag: 100, CounterSet: 1, IfaceIndex: 7})
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), tagStats.TxTCPBytes)
}

// Interleaved tag, untag and delete calls on one cookie from many
// goroutines must leave CookieTag either empty or holding one of the
// values written; never a torn or merged value.
func TestConcurrentOperationsOnOneCookie(t *testing.T) {
	f := newFixture(t)
	fd := f.kernel.OpenSocket()
	cookie := f.cookie(t, fd)

	written := make(map[trafficctl.UidTag]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				uid := uint32(1000 + g)
				tag := uint32(i%5 + 1)
				switch i % 4 {
				case 0, 1:
					mu.Lock()
					written[trafficctl.UidTag{UID: uid, Tag: tag}] = true
					mu.Unlock()
					assert.NoError(t, f.engine.TagSocket(fd, tag, uid))
				case 2:
					assert.NoError(t, f.engine.UntagSocket(fd))
				case 3:
					assert.NoError(t, f.engine.DeleteTagData(0, uid))
				}
			}
		}()
	}
	wg.Wait()

	m := f.rawMap(t, trafficctl.CookieTagMapName)
	assert.LessOrEqual(t, m.Len(), 1)
	v, err := f.maps.CookieTag.Lookup(cookie)
	if errors.Is(err, interpreter.ErrNotFound) {
		return
	}
	require.NoError(t, err)
	assert.True(t, written[v], "final value %v was never written", v)
}
