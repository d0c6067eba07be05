// Package undo runs rollback steps for multi-step acquisitions that
// fail partway through.
package undo

import (
	"errors"
	"log/slog"
)

// Stack accumulates rollback closures that are executed in reverse
// order. Each closure should release one resource (close a map
// handle, detach a link, stop a listener).
type Stack []func() error

// Push appends a rollback closure to the stack.
func (u *Stack) Push(fn func() error) {
	*u = append(*u, fn)
}

// Rollback executes all closures in reverse order, logging and
// collecting any errors, and empties the stack. Returns nil if every
// closure succeeds.
func (u *Stack) Rollback(logger *slog.Logger) error {
	var errs []error
	s := *u
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i](); err != nil {
			logger.Error("rollback step failed", "step", i, "error", err)
			errs = append(errs, err)
		}
	}
	*u = nil
	return errors.Join(errs...)
}
