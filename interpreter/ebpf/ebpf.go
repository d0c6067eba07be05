// Package ebpf provides kernel operations using cilium/ebpf.
package ebpf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/interpreter"
)

// kernelAdapter implements interpreter.KernelOperations using cilium/ebpf.
type kernelAdapter struct {
	logger *slog.Logger
}

// Option configures a kernelAdapter.
type Option func(*kernelAdapter)

// WithLogger sets the logger for kernel operations.
func WithLogger(logger *slog.Logger) Option {
	return func(k *kernelAdapter) {
		k.logger = logger
	}
}

// New creates a new kernel adapter.
func New(opts ...Option) interpreter.KernelOperations {
	k := &kernelAdapter{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Probe checks for hash maps and cgroup socket-buffer programs. It
// also lifts the memlock rlimit, which kernels before 5.11 charge
// map memory against.
func (k *kernelAdapter) Probe(ctx context.Context) (bool, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		k.logger.Warn("failed to remove memlock rlimit", "error", err)
	}

	if err := features.HaveMapType(ebpf.Hash); err != nil {
		if errors.Is(err, ebpf.ErrNotSupported) {
			k.logger.Info("kernel lacks BPF hash maps", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("probe hash map support: %w", err)
	}

	if err := features.HaveProgramType(ebpf.CGroupSKB); err != nil {
		if errors.Is(err, ebpf.ErrNotSupported) {
			k.logger.Info("kernel lacks cgroup skb programs", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("probe cgroup skb support: %w", err)
	}

	return true, nil
}

// SocketCookie reads SO_COOKIE from fd.
func (k *kernelAdapter) SocketCookie(fd int) (trafficctl.Cookie, error) {
	cookie, err := unix.GetsockoptUint64(fd, unix.SOL_SOCKET, unix.SO_COOKIE)
	if err != nil {
		return 0, fmt.Errorf("getsockopt SO_COOKIE on fd %d: %w", fd, err)
	}
	return trafficctl.Cookie(cookie), nil
}
