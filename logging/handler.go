package logging

import (
	"context"
	"log/slog"
)

// componentKey is the attribute that selects a component's level.
const componentKey = "component"

// filteringHandler drops records below the level the Spec assigns to
// the handler's component.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps inner with per-component level filtering.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{
		inner: inner,
		spec:  spec,
	}
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs picks up a "component" attribute, if present, so that
// logger.With("component", "tagging") switches the filter level. A
// later component attribute replaces an earlier one, so a component
// logger derived from another component's logger filters as itself.
func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == componentKey {
			child.component = attr.Value.String()
		}
	}
	return child
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}
