package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Sink is one destination of a MultiHandler.
type Sink struct {
	Name    string
	Handler slog.Handler
	// MinLevel drops records below it before Handler sees them. Nil leaves
	// filtering to Handler.
	MinLevel slog.Leveler
}

func (s Sink) accepts(ctx context.Context, level slog.Level) bool {
	if s.MinLevel != nil && level < s.MinLevel.Level() {
		return false
	}
	return s.Handler.Enabled(ctx, level)
}

// MultiHandler fans records out to sinks. A failing sink does not stop the
// others; its error is returned joined with the rest.
type MultiHandler struct {
	sinks []Sink
}

// NewMultiHandler skips sinks without a handler.
func NewMultiHandler(sinks ...Sink) *MultiHandler {
	valid := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s.Handler != nil {
			valid = append(valid, s)
		}
	}
	return &MultiHandler{sinks: valid}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range m.sinks {
		if s.accepts(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, s := range m.sinks {
		if !s.accepts(ctx, r.Level) {
			continue
		}
		if err := s.Handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return m
	}
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *MultiHandler) derive(fn func(slog.Handler) slog.Handler) *MultiHandler {
	sinks := make([]Sink, len(m.sinks))
	for i, s := range m.sinks {
		s.Handler = fn(s.Handler)
		sinks[i] = s
	}
	return &MultiHandler{sinks: sinks}
}
