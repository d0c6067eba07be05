// Package sockdiag listens for socket destroy notifications on the
// NETLINK_SOCK_DIAG multicast groups (sock_diag(7)).
//
// The kernel broadcasts an inet_diag_msg for every TCP and UDP socket
// it destroys, carrying the socket cookie. Those messages drive the
// reconciler, which removes tags left behind by processes that never
// untagged their sockets.
package sockdiag

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/reconciler"
)

// sock_diag multicast groups (linux/sock_diag.h).
const (
	groupInetTCPDestroy  = 1
	groupInetUDPDestroy  = 2
	groupInet6TCPDestroy = 3
	groupInet6UDPDestroy = 4
)

// sockDiagByFamily is SOCK_DIAG_BY_FAMILY.
const sockDiagByFamily = 20

// Offsets into struct inet_diag_msg.
const (
	inetDiagMsgLen = 72
	offCookie      = 44 // id.idiag_cookie[2]
	offUID         = 64
)

// ErrShortMessage is returned for a message too short to be an
// inet_diag_msg.
var ErrShortMessage = errors.New("short inet_diag_msg")

// Parse decodes one destroy notification.
func Parse(msg syscall.NetlinkMessage) (reconciler.DestroyEvent, error) {
	if msg.Header.Type != sockDiagByFamily {
		return reconciler.DestroyEvent{}, fmt.Errorf("unexpected netlink message type %d", msg.Header.Type)
	}
	if len(msg.Data) < inetDiagMsgLen {
		return reconciler.DestroyEvent{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(msg.Data))
	}
	lo := uint64(binary.NativeEndian.Uint32(msg.Data[offCookie:]))
	hi := uint64(binary.NativeEndian.Uint32(msg.Data[offCookie+4:]))
	return reconciler.DestroyEvent{
		Cookie: trafficctl.Cookie(lo | hi<<32),
		UID:    binary.NativeEndian.Uint32(msg.Data[offUID:]),
	}, nil
}

// Option configures a Listener.
type Option func(*Listener)

// WithReceiveTimeout bounds each read so cancellation is noticed even
// when no sockets are closing. Zero disables the timeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(l *Listener) { l.timeout = d }
}

// WithOverrunHook sets a function called when the kernel drops
// notifications because the socket buffer overflowed.
func WithOverrunHook(fn func()) Option {
	return func(l *Listener) { l.onOverrun = fn }
}

// Listener implements reconciler.Source over netlink.
type Listener struct {
	logger    *slog.Logger
	timeout   time.Duration
	onOverrun func()
}

// NewListener returns a listener.
func NewListener(logger *slog.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		logger:    logger.With("component", "sockdiag"),
		timeout:   time.Second,
		onOverrun: func() {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe joins the destroy groups and returns a channel of events.
// The channel is closed when ctx is done or the socket fails.
func (l *Listener) Subscribe(ctx context.Context) (<-chan reconciler.DestroyEvent, error) {
	sock, err := nl.Subscribe(unix.NETLINK_INET_DIAG,
		groupInetTCPDestroy, groupInetUDPDestroy, groupInet6TCPDestroy, groupInet6UDPDestroy)
	if err != nil {
		return nil, fmt.Errorf("subscribe to sock_diag destroy groups: %w", err)
	}
	if l.timeout > 0 {
		tv := unix.NsecToTimeval(l.timeout.Nanoseconds())
		if err := sock.SetReceiveTimeout(&tv); err != nil {
			sock.Close()
			return nil, fmt.Errorf("set receive timeout: %w", err)
		}
	}

	events := make(chan reconciler.DestroyEvent, 64)
	go func() {
		<-ctx.Done()
		sock.Close()
	}()
	go func() {
		defer close(events)
		l.receive(ctx, sock, events)
	}()
	return events, nil
}

func (l *Listener) receive(ctx context.Context, sock *nl.NetlinkSocket, events chan<- reconciler.DestroyEvent) {
	for {
		msgs, _, err := sock.Receive()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var errno syscall.Errno
			switch {
			case errors.As(err, &errno) && errno == syscall.ENOBUFS:
				l.logger.Warn("sock_diag buffer overrun, some destroy events lost")
				l.onOverrun()
				continue
			case errors.As(err, &errno) && (errno == syscall.EAGAIN || errno == syscall.EINTR):
				continue
			default:
				l.logger.Error("sock_diag receive failed", "error", err)
				return
			}
		}

		for _, m := range msgs {
			switch m.Header.Type {
			case syscall.NLMSG_DONE:
				continue
			case syscall.NLMSG_ERROR:
				if len(m.Data) >= 4 {
					code := int32(binary.NativeEndian.Uint32(m.Data[0:4]))
					l.logger.Warn("sock_diag NLMSG_ERROR", "error", syscall.Errno(-code))
				}
				continue
			}

			ev, err := Parse(m)
			if err != nil {
				l.logger.Debug("skipping sock_diag message", "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
