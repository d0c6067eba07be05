package loader_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/interpreter"
	"github.com/frobware/go-trafficctl/interpreter/memory"
	"github.com/frobware/go-trafficctl/loader"
	"github.com/frobware/go-trafficctl/registry"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set TRAFFICD_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("TRAFFICD_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const objectPath = "/etc/trafficd/traffic_classifier.o"

var hooks = []loader.Hook{
	{Attach: trafficctl.AttachIngress, ProgramName: trafficctl.IngressProgName},
	{Attach: trafficctl.AttachEgress, ProgramName: trafficctl.EgressProgName},
}

type fixture struct {
	kernel *memory.Kernel
	paths  config.Paths
	maps   map[string]interpreter.RawMap
}

func newFixture(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	kernel := memory.New(opts...)
	paths, err := config.NewPaths("/sys/fs/bpf", "/dev/cg2_bpf")
	require.NoError(t, err)

	reg := registry.New(kernel, paths, config.DefaultConfig().Maps, testLogger())
	_, err = reg.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	maps, err := reg.Maps()
	require.NoError(t, err)

	return &fixture{kernel: kernel, paths: paths, maps: maps.ByName()}
}

func (f *fixture) attached(attach trafficctl.AttachType) int {
	return f.kernel.Attached(f.paths.CgroupRoot(), attach)
}

func TestAttachAllPinsProgramsAndLinks(t *testing.T) {
	f := newFixture(t)
	l := loader.New(f.kernel, f.paths, objectPath, testLogger())

	require.NoError(t, l.AttachAll(context.Background(), hooks, f.maps))

	for _, attach := range []trafficctl.AttachType{trafficctl.AttachIngress, trafficctl.AttachEgress} {
		assert.True(t, f.kernel.Pinned(f.paths.Program(attach)), attach.String())
		assert.True(t, f.kernel.Pinned(f.paths.Link(attach)), attach.String())
		assert.Equal(t, 1, f.attached(attach), attach.String())
	}

	// Pinned links survive the loader.
	require.NoError(t, l.Close())
	assert.Equal(t, 1, f.attached(trafficctl.AttachIngress))
}

func TestAttachAllIsIdempotentAcrossRestarts(t *testing.T) {
	f := newFixture(t)

	for range 3 {
		l := loader.New(f.kernel, f.paths, objectPath, testLogger())
		require.NoError(t, l.AttachAll(context.Background(), hooks, f.maps))
		require.NoError(t, l.Close())
	}

	assert.Equal(t, 1, f.attached(trafficctl.AttachIngress))
	assert.Equal(t, 1, f.attached(trafficctl.AttachEgress))
}

func TestRestartReusesPinnedProgram(t *testing.T) {
	f := newFixture(t)
	l := loader.New(f.kernel, f.paths, objectPath, testLogger())
	require.NoError(t, l.AttachAll(context.Background(), hooks, f.maps))

	// A second run must not need the object file at all.
	f.kernel.FailLoad(trafficctl.IngressProgName, errors.New("object removed"))
	f.kernel.FailLoad(trafficctl.EgressProgName, errors.New("object removed"))

	l2 := loader.New(f.kernel, f.paths, objectPath, testLogger())
	require.NoError(t, l2.AttachAll(context.Background(), hooks, f.maps))
	assert.Equal(t, 1, f.attached(trafficctl.AttachIngress))
}

func TestWithoutLinkPinning(t *testing.T) {
	f := newFixture(t, memory.WithoutLinkPinning())
	l := loader.New(f.kernel, f.paths, objectPath, testLogger())

	require.NoError(t, l.AttachAll(context.Background(), hooks, f.maps))
	require.NoError(t, l.AttachAll(context.Background(), hooks, f.maps))

	assert.False(t, f.kernel.Pinned(f.paths.Link(trafficctl.AttachIngress)))
	assert.Equal(t, 1, f.attached(trafficctl.AttachIngress), "held link is updated, not duplicated")
	assert.Equal(t, 1, f.attached(trafficctl.AttachEgress))

	require.NoError(t, l.Close())
	assert.Zero(t, f.attached(trafficctl.AttachIngress), "closing a held link detaches it")
	assert.Zero(t, f.attached(trafficctl.AttachEgress))
}

func TestFailedLoadStillAttemptsOtherDirection(t *testing.T) {
	f := newFixture(t)
	loadErr := errors.New("verifier rejected program")
	f.kernel.FailLoad(trafficctl.IngressProgName, loadErr)

	l := loader.New(f.kernel, f.paths, objectPath, testLogger())
	err := l.AttachAll(context.Background(), hooks, f.maps)

	require.ErrorIs(t, err, loadErr)
	assert.Contains(t, err.Error(), "ingress")
	assert.Zero(t, f.attached(trafficctl.AttachIngress))
	assert.False(t, f.kernel.Pinned(f.paths.Program(trafficctl.AttachIngress)))
	assert.Equal(t, 1, f.attached(trafficctl.AttachEgress))
}

func TestMissingObjectFailsBothDirections(t *testing.T) {
	f := newFixture(t)
	l := loader.New(f.kernel, f.paths, "", testLogger())

	err := l.AttachAll(context.Background(), hooks, f.maps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingress")
	assert.Contains(t, err.Error(), "egress")
}

func TestLoadAndAttachRejectsUnspecifiedHook(t *testing.T) {
	f := newFixture(t)
	l := loader.New(f.kernel, f.paths, objectPath, testLogger())

	err := l.LoadAndAttach(context.Background(), loader.Hook{ProgramName: "x"}, f.maps)
	assert.ErrorIs(t, err, trafficctl.ErrInvalidArgument)
}

func TestAttachedProgramCountsIntoRegistryMaps(t *testing.T) {
	f := newFixture(t)
	l := loader.New(f.kernel, f.paths, objectPath, testLogger())
	require.NoError(t, l.AttachAll(context.Background(), hooks, f.maps))

	fd := f.kernel.OpenSocket()
	cookie, err := f.kernel.SocketCookie(fd)
	require.NoError(t, err)
	cookieTag := interpreter.NewMap[trafficctl.Cookie, trafficctl.UidTag](f.maps[trafficctl.CookieTagMapName])
	require.NoError(t, cookieTag.Update(cookie, trafficctl.UidTag{UID: 1000}))

	require.NoError(t, f.kernel.Deliver(f.paths.CgroupRoot(), trafficctl.AttachIngress, memory.Packet{
		Cookie: cookie, IfaceIndex: 2, Protocol: memory.ProtoUDP, Bytes: 512,
	}))

	uidStats := interpreter.NewMap[trafficctl.StatsKey, trafficctl.Stats](f.maps[trafficctl.UidStatsMapName])
	got, err := uidStats.Lookup(trafficctl.StatsKey{UID: 1000, IfaceIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(512), got.RxUDPBytes)
	assert.Equal(t, uint64(1), got.RxUDPPackets)
}

func TestDetachRemovesPinnedAndHeldLinks(t *testing.T) {
	for name, opts := range map[string][]memory.Option{
		"pinned": nil,
		"held":   {memory.WithoutLinkPinning()},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, opts...)
			l := loader.New(f.kernel, f.paths, objectPath, testLogger())
			require.NoError(t, l.AttachAll(context.Background(), hooks, f.maps))

			require.NoError(t, l.Detach(context.Background(), hooks))
			for _, attach := range []trafficctl.AttachType{trafficctl.AttachIngress, trafficctl.AttachEgress} {
				assert.Zero(t, f.attached(attach), attach.String())
				assert.False(t, f.kernel.Pinned(f.paths.Link(attach)), attach.String())
				// The program pin is kept for the next start.
				assert.True(t, f.kernel.Pinned(f.paths.Program(attach)), attach.String())
			}

			// Nothing left to detach.
			require.NoError(t, l.Detach(context.Background(), hooks))
			require.NoError(t, l.Close())
		})
	}
}

func TestDetachAfterPartialAttach(t *testing.T) {
	f := newFixture(t)
	f.kernel.FailLoad(trafficctl.IngressProgName, errors.New("verifier rejected"))
	l := loader.New(f.kernel, f.paths, objectPath, testLogger())

	require.Error(t, l.AttachAll(context.Background(), hooks, f.maps))
	require.Equal(t, 1, f.attached(trafficctl.AttachEgress))

	require.NoError(t, l.Detach(context.Background(), hooks))
	assert.Zero(t, f.attached(trafficctl.AttachEgress))
	assert.Zero(t, f.attached(trafficctl.AttachIngress))
}
