// Package interpreter contains the interfaces through which the
// accounting core reaches the kernel. It is the only layer that
// performs actual I/O; everything above it is expressed against these
// interfaces so that an in-memory double can stand in for the kernel.
package interpreter

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/frobware/go-trafficctl"
)

var (
	// ErrNotFound is returned when a key, pin or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMapFull is returned when an update would exceed a map's
	// fixed capacity.
	ErrMapFull = errors.New("map full")

	// ErrPinUnsupported is returned by Link.Pin when the kernel
	// attached the program without a bpf_link, so there is no object
	// to pin.
	ErrPinUnsupported = errors.New("link cannot be pinned")
)

// RawEntry is one key/value pair read from a map. Both slices are
// owned by the caller.
type RawEntry struct {
	Key   []byte
	Value []byte
}

// RawMap is a kernel hash map addressed by fixed-size binary keys.
// Every single-key operation is atomic with respect to any other
// writer of the same map, including the kernel itself; no further
// synchronisation is provided or required.
type RawMap interface {
	io.Closer

	// Lookup returns a copy of the value stored for key.
	// Returns ErrNotFound if the key does not exist.
	Lookup(key []byte) ([]byte, error)

	// Update inserts or overwrites the value for key.
	Update(key, value []byte) error

	// Delete removes key. Returns ErrNotFound if the key does not
	// exist.
	Delete(key []byte) error

	// Entries iterates the map. Concurrent writers may add or remove
	// entries during the walk; each yielded entry was present at the
	// moment it was read.
	Entries() iter.Seq2[RawEntry, error]
}

// MapSpec describes one pinned hash map.
type MapSpec struct {
	Name       string
	PinPath    string
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
}

// Prober reports whether the kernel has the facilities the accounting
// core needs.
type Prober interface {
	// Probe returns false with a nil error when the kernel lacks
	// hash maps or cgroup socket-buffer programs. A non-nil error
	// means the probe itself could not complete.
	Probe(ctx context.Context) (bool, error)
}

// MapOpener creates or opens pinned maps.
type MapOpener interface {
	// OpenOrCreateMap opens the map pinned at spec.PinPath if it is
	// compatible with spec, or creates and pins a new one if no pin
	// exists. An incompatible existing pin is an error.
	OpenOrCreateMap(ctx context.Context, spec MapSpec) (RawMap, error)
}

// Program is a loaded classification program.
type Program interface {
	io.Closer
	Pin(path string) error
}

// Link is an attachment of a Program to a cgroup hook.
type Link interface {
	io.Closer

	// Update atomically replaces the program behind the link.
	Update(prog Program) error

	// Pin persists the link so the attachment survives process
	// exit. Returns ErrPinUnsupported if the kernel attached
	// without a bpf_link.
	Pin(path string) error

	// Unpin removes the link's pin. Closing the link afterwards
	// detaches the program.
	Unpin() error
}

// ProgramSpec names a classification program inside an object file.
type ProgramSpec struct {
	ObjectPath  string
	ProgramName string

	// Maps replaces the object's own definitions of these maps, by
	// name, so that the program shares the registry's pinned maps.
	Maps map[string]RawMap
}

// ProgramLoader loads programs into the kernel.
type ProgramLoader interface {
	// LoadPinnedProgram opens a program already pinned at path.
	// Returns ErrNotFound if nothing is pinned there.
	LoadPinnedProgram(ctx context.Context, path string) (Program, error)

	// LoadProgram loads a program from an ELF object.
	LoadProgram(ctx context.Context, spec ProgramSpec) (Program, error)
}

// ProgramAttacher attaches programs to cgroup hooks.
type ProgramAttacher interface {
	// LoadPinnedLink opens a link already pinned at path.
	// Returns ErrNotFound if nothing is pinned there.
	LoadPinnedLink(ctx context.Context, path string) (Link, error)

	// AttachCgroup attaches prog to the ingress or egress hook of the
	// cgroup at cgroupPath.
	AttachCgroup(ctx context.Context, cgroupPath string, attach trafficctl.AttachType, prog Program) (Link, error)
}

// CookieResolver maps a socket descriptor to its kernel cookie.
type CookieResolver interface {
	// SocketCookie returns the cookie of the socket behind fd. The
	// error wraps the errno reported by the kernel.
	SocketCookie(fd int) (trafficctl.Cookie, error)
}

// KernelOperations combines all kernel operations.
type KernelOperations interface {
	Prober
	MapOpener
	ProgramLoader
	ProgramAttacher
	CookieResolver
}
