// Package tagging implements the request-facing accounting operations:
// tagging and untagging sockets, assigning uid counter sets and wiping
// a uid's data.
//
// Every operation is a sequence of single-key map updates. The maps
// are shared with the classification program running in the kernel,
// which cannot take a userspace lock, so none is taken here either.
// Each single-key update is atomic in the kernel; multi-key operations
// are not, and each step tolerates entries that have already gone.
package tagging

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/interpreter"
	"github.com/frobware/go-trafficctl/logging"
	"github.com/frobware/go-trafficctl/registry"
)

// Engine performs accounting operations against the registry's maps.
// It is safe for concurrent use.
type Engine struct {
	maps    *registry.Maps
	cookies interpreter.CookieResolver
	logger  *slog.Logger
}

// New returns an engine over maps, resolving socket descriptors with
// cookies.
func New(maps *registry.Maps, cookies interpreter.CookieResolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		maps:    maps,
		cookies: cookies,
		logger:  logger.With("component", "tagging"),
	}
}

func (e *Engine) cookie(fd int) (trafficctl.Cookie, error) {
	c, err := e.cookies.SocketCookie(fd)
	if err != nil {
		return 0, trafficctl.InvalidCookieError{FD: fd, Err: err}
	}
	if !c.Valid() {
		return 0, trafficctl.InvalidCookieError{FD: fd}
	}
	return c, nil
}

// TagSocket attributes the traffic of the socket behind fd to (uid,
// tag). A socket that is already tagged is overwritten.
func (e *Engine) TagSocket(fd int, tag, uid uint32) error {
	cookie, err := e.cookie(fd)
	if err != nil {
		return err
	}

	value := trafficctl.UidTag{UID: uid, Tag: tag}
	logging.Trace(e.logger, "map update", "map", trafficctl.CookieTagMapName, "key", cookie, "value", value)
	if err := e.maps.CookieTag.Update(cookie, value); err != nil {
		e.logger.Error("failed to tag socket", "fd", fd, "cookie", cookie, "uid", uid, "tag", tag, "error", err)
		return fmt.Errorf("tag socket fd %d: %w", fd, err)
	}
	e.logger.Debug("tagged socket", "fd", fd, "cookie", cookie, "uid", uid, "tag", tag)
	return nil
}

// UntagSocket removes the tag of the socket behind fd. A socket with
// no tag is not an error: a destroy event may have removed it first.
func (e *Engine) UntagSocket(fd int) error {
	cookie, err := e.cookie(fd)
	if err != nil {
		return err
	}
	if _, err := e.DeleteCookie(cookie); err != nil {
		return fmt.Errorf("untag socket fd %d: %w", fd, err)
	}
	return nil
}

// DeleteCookie removes the CookieTag entry for cookie and reports
// whether there was one. It is the delete step of UntagSocket for
// callers that already hold the cookie because the socket is gone.
func (e *Engine) DeleteCookie(cookie trafficctl.Cookie) (bool, error) {
	logging.Trace(e.logger, "map delete", "map", trafficctl.CookieTagMapName, "key", cookie)
	err := e.maps.CookieTag.Delete(cookie)
	switch {
	case err == nil:
		e.logger.Debug("removed cookie", "cookie", cookie)
		return true, nil
	case errors.Is(err, interpreter.ErrNotFound):
		e.logger.Debug("cookie already absent", "cookie", cookie)
		return false, nil
	default:
		e.logger.Error("failed to remove cookie", "cookie", cookie, "error", err)
		return false, err
	}
}

// SetCounterSet assigns uid to counterSet, which must be in
// [0, CounterSetsLimit).
func (e *Engine) SetCounterSet(counterSet int, uid uint32) error {
	if counterSet < 0 || counterSet >= trafficctl.CounterSetsLimit {
		return trafficctl.InvalidCounterSetError{CounterSet: counterSet}
	}
	logging.Trace(e.logger, "map update", "map", trafficctl.UidCounterSetMapName, "key", uid, "value", counterSet)
	if err := e.maps.UidCounterSet.Update(uid, uint32(counterSet)); err != nil {
		e.logger.Error("failed to set counter set", "uid", uid, "counter_set", counterSet, "error", err)
		return fmt.Errorf("set counter set for uid %d: %w", uid, err)
	}
	e.logger.Debug("set counter set", "uid", uid, "counter_set", counterSet)
	return nil
}

// Tag returns the CookieTag entry of the socket behind fd, or an error
// wrapping interpreter.ErrNotFound if it is untagged.
func (e *Engine) Tag(fd int) (trafficctl.UidTag, error) {
	cookie, err := e.cookie(fd)
	if err != nil {
		return trafficctl.UidTag{}, err
	}
	logging.Trace(e.logger, "map lookup", "map", trafficctl.CookieTagMapName, "key", cookie)
	v, err := e.maps.CookieTag.Lookup(cookie)
	if err != nil {
		return trafficctl.UidTag{}, fmt.Errorf("socket fd %d: %w", fd, err)
	}
	return v, nil
}

// CounterSet returns the counter set of uid. A uid without an entry
// is in CounterSetDefault.
func (e *Engine) CounterSet(uid uint32) (uint32, error) {
	logging.Trace(e.logger, "map lookup", "map", trafficctl.UidCounterSetMapName, "key", uid)
	v, err := e.maps.UidCounterSet.Lookup(uid)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, interpreter.ErrNotFound):
		return trafficctl.CounterSetDefault, nil
	default:
		return 0, fmt.Errorf("counter set for uid %d: %w", uid, err)
	}
}
