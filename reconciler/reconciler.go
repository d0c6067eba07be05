// Package reconciler removes the tags of sockets that close without
// being untagged. It consumes socket-destroy events and deletes the
// CookieTag entry for each destroyed cookie.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-trafficctl"
)

// DestroyEvent reports that the socket with Cookie has been destroyed.
type DestroyEvent struct {
	Cookie trafficctl.Cookie
	// UID is the socket owner as reported by the notifier. It is
	// informational; the CookieTag entry is removed regardless.
	UID uint32
}

// Source delivers destroy events. The channel is closed when the
// source stops, either because ctx is done or because it failed.
type Source interface {
	Subscribe(ctx context.Context) (<-chan DestroyEvent, error)
}

// Deleter removes a CookieTag entry and reports whether it existed.
type Deleter interface {
	DeleteCookie(cookie trafficctl.Cookie) (bool, error)
}

// Outcome of handling one destroy event.
const (
	ResultDeleted = "deleted"
	ResultAbsent  = "absent"
	ResultError   = "error"
)

// Observer is told the outcome of every event handled.
type Observer interface {
	ObserveDestroy(result string)
}

type nopObserver struct{}

func (nopObserver) ObserveDestroy(string) {}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithObserver sets the observer for handled events.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observer = o }
}

// Reconciler applies destroy events to the CookieTag map.
type Reconciler struct {
	source   Source
	deleter  Deleter
	observer Observer
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a reconciler that reads from source and deletes through
// deleter.
func New(source Source, deleter Deleter, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		source:   source,
		deleter:  deleter,
		observer: nopObserver{},
		logger:   logger.With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrStarted is returned by Start when the reconciler is already running.
var ErrStarted = errors.New("reconciler already started")

// Start subscribes to the source and handles events in the background
// until ctx is done or Close is called. A subscription failure is
// returned directly.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	events, err := r.source.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to socket destroy events: %w", err)
	}

	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.Run(ctx, events)
	}()
	r.logger.Info("listening for socket destroy events")
	return nil
}

// Run handles events until the channel is closed or ctx is done.
func (r *Reconciler) Run(ctx context.Context, events <-chan DestroyEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					r.logger.Warn("socket destroy event source stopped")
				}
				return
			}
			r.Handle(ev)
		}
	}
}

// Handle deletes the CookieTag entry for one event. Absent entries
// are normal: most destroyed sockets were never tagged, and an
// explicit untag may have won the race.
func (r *Reconciler) Handle(ev DestroyEvent) {
	if !ev.Cookie.Valid() {
		return
	}
	deleted, err := r.deleter.DeleteCookie(ev.Cookie)
	switch {
	case err != nil:
		r.logger.Error("failed to remove tag of destroyed socket", "cookie", ev.Cookie, "uid", ev.UID, "error", err)
		r.observer.ObserveDestroy(ResultError)
	case deleted:
		r.logger.Debug("removed tag of destroyed socket", "cookie", ev.Cookie, "uid", ev.UID)
		r.observer.ObserveDestroy(ResultDeleted)
	default:
		r.observer.ObserveDestroy(ResultAbsent)
	}
}

// Close stops the background handler and waits for it to exit.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
