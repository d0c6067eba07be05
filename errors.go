package trafficctl

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrUnsupported is returned by every accounting operation when the
// kernel lacks the eBPF facilities, or when startup failed and
// accounting was disabled.
var ErrUnsupported = errors.New("eBPF traffic accounting not supported")

// ErrInvalidArgument is matched by every argument validation failure.
var ErrInvalidArgument = errors.New("invalid argument")

// InvalidCounterSetError is returned when a counter set number falls
// outside [0, CounterSetsLimit).
type InvalidCounterSetError struct {
	CounterSet int
}

func (e InvalidCounterSetError) Error() string {
	return fmt.Sprintf("counter set %d out of range [0, %d)", e.CounterSet, CounterSetsLimit)
}

func (e InvalidCounterSetError) Is(target error) bool { return target == ErrInvalidArgument }

// InvalidCookieError is returned when a socket descriptor cannot be
// resolved to a cookie: it is not a networking socket, it is already
// closed, or the kernel reported the reserved cookie.
type InvalidCookieError struct {
	FD  int
	Err error
}

func (e InvalidCookieError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fd %d: no socket cookie", e.FD)
	}
	return fmt.Sprintf("fd %d: no socket cookie: %v", e.FD, e.Err)
}

func (e InvalidCookieError) Unwrap() error { return e.Err }

func (e InvalidCookieError) Is(target error) bool { return target == ErrInvalidArgument }

// Errno converts an operation result to the negative errno status
// reported to callers of the request layer. A nil error is 0.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, ErrUnsupported):
		return -int(syscall.EOPNOTSUPP)
	case errors.Is(err, ErrInvalidArgument):
		return -int(syscall.EINVAL)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(syscall.EIO)
}
