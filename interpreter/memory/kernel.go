package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/interpreter"
)

// Kernel implements interpreter.KernelOperations in memory. It keeps a
// pin namespace for maps, programs and links, a table of open sockets,
// and the set of programs attached to each cgroup hook.
type Kernel struct {
	supported bool
	probeErr  error

	mu        sync.Mutex
	pins      map[string]any
	sockets   map[int]trafficctl.Cookie
	nextFD    int
	attached  map[hook][]*program
	failOpen  map[string]error
	failLoad  map[string]error
	noPinLink bool

	cookieSeq   atomic.Uint64
	openHandles atomic.Int64
}

type hook struct {
	cgroup string
	attach trafficctl.AttachType
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithSupported sets the result of Probe. The default is true.
func WithSupported(supported bool) Option {
	return func(k *Kernel) { k.supported = supported }
}

// WithProbeError makes Probe fail with err.
func WithProbeError(err error) Option {
	return func(k *Kernel) { k.probeErr = err }
}

// WithoutLinkPinning makes every attachment behave like a legacy
// cgroup attach that has no bpf_link to pin.
func WithoutLinkPinning() Option {
	return func(k *Kernel) { k.noPinLink = true }
}

// New returns an empty kernel.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		supported: true,
		pins:      make(map[string]any),
		sockets:   make(map[int]trafficctl.Cookie),
		nextFD:    3,
		attached:  make(map[hook][]*program),
		failOpen:  make(map[string]error),
		failLoad:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// FailOpen makes OpenOrCreateMap fail with err for the map pinned at path.
func (k *Kernel) FailOpen(path string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failOpen[path] = err
}

// FailLoad makes LoadProgram fail with err for the named program.
func (k *Kernel) FailLoad(programName string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failLoad[programName] = err
}

// Probe implements interpreter.Prober.
func (k *Kernel) Probe(ctx context.Context) (bool, error) {
	if k.probeErr != nil {
		return false, k.probeErr
	}
	return k.supported, nil
}

// OpenOrCreateMap implements interpreter.MapOpener.
func (k *Kernel) OpenOrCreateMap(ctx context.Context, spec interpreter.MapSpec) (interpreter.RawMap, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err, ok := k.failOpen[spec.PinPath]; ok {
		return nil, err
	}

	var m *Map
	switch pinned := k.pins[spec.PinPath].(type) {
	case nil:
		m = NewMap(spec)
		k.pins[spec.PinPath] = m
	case *Map:
		have := pinned.Spec()
		if have.KeySize != spec.KeySize || have.ValueSize != spec.ValueSize || have.MaxEntries != spec.MaxEntries {
			return nil, fmt.Errorf("map %s at %s: incompatible with existing pin", spec.Name, spec.PinPath)
		}
		m = pinned
	default:
		return nil, fmt.Errorf("%s: pinned object is not a map", spec.PinPath)
	}

	k.openHandles.Add(1)
	return &mapHandle{Map: m, kernel: k}, nil
}

// PinnedMap returns the map pinned at path.
func (k *Kernel) PinnedMap(path string) (*Map, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.pins[path].(*Map)
	return m, ok
}

// OpenHandles returns the number of map handles not yet closed.
func (k *Kernel) OpenHandles() int {
	return int(k.openHandles.Load())
}

// MapOps returns the number of operations attempted on every pinned
// map since the kernel was created.
func (k *Kernel) MapOps() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, obj := range k.pins {
		if m, ok := obj.(*Map); ok {
			n += m.Ops()
		}
	}
	return n
}

// LoadPinnedProgram implements interpreter.ProgramLoader.
func (k *Kernel) LoadPinnedProgram(ctx context.Context, path string) (interpreter.Program, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch p := k.pins[path].(type) {
	case nil:
		return nil, fmt.Errorf("%s: %w", path, interpreter.ErrNotFound)
	case *program:
		return p, nil
	default:
		return nil, fmt.Errorf("%s: pinned object is not a program", path)
	}
}

// LoadProgram implements interpreter.ProgramLoader. The program's
// behaviour is the classification contract; it reads and writes only
// the maps passed in spec.Maps.
func (k *Kernel) LoadProgram(ctx context.Context, spec interpreter.ProgramSpec) (interpreter.Program, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err, ok := k.failLoad[spec.ProgramName]; ok {
		return nil, err
	}
	if spec.ObjectPath == "" {
		return nil, fmt.Errorf("load %s: %w", spec.ProgramName, syscall.ENOENT)
	}
	// A loaded program holds its own references to the maps, so it
	// keeps working after the loader's handles are closed.
	maps := make(map[string]interpreter.RawMap, len(spec.Maps))
	for name, m := range spec.Maps {
		if h, ok := m.(*mapHandle); ok {
			m = h.Map
		}
		maps[name] = m
	}
	return &program{kernel: k, name: spec.ProgramName, maps: maps}, nil
}

// LoadPinnedLink implements interpreter.ProgramAttacher.
func (k *Kernel) LoadPinnedLink(ctx context.Context, path string) (interpreter.Link, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch l := k.pins[path].(type) {
	case nil:
		return nil, fmt.Errorf("%s: %w", path, interpreter.ErrNotFound)
	case *cgroupLink:
		return l, nil
	default:
		return nil, fmt.Errorf("%s: pinned object is not a link", path)
	}
}

// AttachCgroup implements interpreter.ProgramAttacher.
func (k *Kernel) AttachCgroup(ctx context.Context, cgroupPath string, attach trafficctl.AttachType, prog interpreter.Program) (interpreter.Link, error) {
	p, ok := prog.(*program)
	if !ok {
		return nil, fmt.Errorf("attach: foreign program %T", prog)
	}
	if attach != trafficctl.AttachIngress && attach != trafficctl.AttachEgress {
		return nil, fmt.Errorf("attach %s: %w", attach, syscall.EINVAL)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	h := hook{cgroup: cgroupPath, attach: attach}
	k.attached[h] = append(k.attached[h], p)
	return &cgroupLink{kernel: k, hook: h, index: len(k.attached[h]) - 1}, nil
}

// Attached returns the number of programs attached to a cgroup hook.
func (k *Kernel) Attached(cgroupPath string, attach trafficctl.AttachType) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, p := range k.attached[hook{cgroup: cgroupPath, attach: attach}] {
		if p != nil {
			n++
		}
	}
	return n
}

// Pinned reports whether anything is pinned at path.
func (k *Kernel) Pinned(path string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.pins[path]
	return ok
}

// OpenSocket creates a socket with a fresh cookie and returns its
// descriptor.
func (k *Kernel) OpenSocket() int {
	cookie := trafficctl.Cookie(k.cookieSeq.Add(1))
	k.mu.Lock()
	defer k.mu.Unlock()
	fd := k.nextFD
	k.nextFD++
	k.sockets[fd] = cookie
	return fd
}

// CloseSocket closes fd and returns the cookie it had.
func (k *Kernel) CloseSocket(fd int) (trafficctl.Cookie, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.sockets[fd]
	delete(k.sockets, fd)
	return c, ok
}

// SocketCookie implements interpreter.CookieResolver.
func (k *Kernel) SocketCookie(fd int) (trafficctl.Cookie, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if fd < 0 {
		return 0, syscall.EBADF
	}
	c, ok := k.sockets[fd]
	if !ok {
		return 0, syscall.EBADF
	}
	return c, nil
}

func (k *Kernel) pin(path string, obj any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.pins[path]; ok && existing != obj {
		return fmt.Errorf("pin %s: %w", path, syscall.EEXIST)
	}
	k.pins[path] = obj
	return nil
}

type mapHandle struct {
	*Map
	kernel *Kernel
	closed atomic.Bool
}

var errClosed = errors.New("use of closed map handle")

func (h *mapHandle) Lookup(key []byte) ([]byte, error) {
	if h.closed.Load() {
		return nil, errClosed
	}
	return h.Map.Lookup(key)
}

func (h *mapHandle) Update(key, value []byte) error {
	if h.closed.Load() {
		return errClosed
	}
	return h.Map.Update(key, value)
}

func (h *mapHandle) Delete(key []byte) error {
	if h.closed.Load() {
		return errClosed
	}
	return h.Map.Delete(key)
}

func (h *mapHandle) Entries() iter.Seq2[interpreter.RawEntry, error] {
	if h.closed.Load() {
		return func(yield func(interpreter.RawEntry, error) bool) {
			yield(interpreter.RawEntry{}, errClosed)
		}
	}
	return h.Map.Entries()
}

func (h *mapHandle) Close() error {
	if h.closed.Swap(true) {
		return errClosed
	}
	h.kernel.openHandles.Add(-1)
	return nil
}

type program struct {
	kernel *Kernel
	name   string
	maps   map[string]interpreter.RawMap
}

func (p *program) Pin(path string) error { return p.kernel.pin(path, p) }

func (p *program) Close() error { return nil }

type cgroupLink struct {
	kernel *Kernel
	hook   hook
	index  int
}

func (l *cgroupLink) Update(prog interpreter.Program) error {
	p, ok := prog.(*program)
	if !ok {
		return fmt.Errorf("update link: foreign program %T", prog)
	}
	l.kernel.mu.Lock()
	defer l.kernel.mu.Unlock()
	progs := l.kernel.attached[l.hook]
	if l.index >= len(progs) || progs[l.index] == nil {
		return fmt.Errorf("update link: %w", syscall.ENOLINK)
	}
	progs[l.index] = p
	return nil
}

func (l *cgroupLink) Pin(path string) error {
	if l.kernel.noPinLink {
		return interpreter.ErrPinUnsupported
	}
	return l.kernel.pin(path, l)
}

func (l *cgroupLink) Unpin() error {
	l.kernel.mu.Lock()
	defer l.kernel.mu.Unlock()
	for path, obj := range l.kernel.pins {
		if obj == l {
			delete(l.kernel.pins, path)
		}
	}
	return nil
}

// Close detaches the program unless the link is pinned.
func (l *cgroupLink) Close() error {
	l.kernel.mu.Lock()
	defer l.kernel.mu.Unlock()
	for _, obj := range l.kernel.pins {
		if obj == l {
			return nil
		}
	}
	if progs := l.kernel.attached[l.hook]; l.index < len(progs) {
		progs[l.index] = nil
	}
	return nil
}
