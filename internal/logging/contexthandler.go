package logging

import (
	"context"
	"log/slog"

	"github.com/coopsync/coopsync/pkg/core"
)

// ContextProvider returns server-wide attributes, such as the connected
// client count, that are current at the time of each record.
type ContextProvider func() []slog.Attr

type connKey struct{}

type connInfo struct {
	conn     core.ConnID
	username string
}

// WithConn tags ctx with the connection a log line is about. Records logged
// with that ctx carry conn and, when known, username.
func WithConn(ctx context.Context, conn core.ConnID, username string) context.Context {
	return context.WithValue(ctx, connKey{}, connInfo{conn: conn, username: username})
}

// ConnFrom returns the connection WithConn stored in ctx.
func ConnFrom(ctx context.Context) (core.ConnID, string, bool) {
	c, ok := ctx.Value(connKey{}).(connInfo)
	return c.conn, c.username, ok
}

// ContextHandler adds the connection carried in the record's context and
// the provider's server-wide attributes.
type ContextHandler struct {
	inner    slog.Handler
	provider ContextProvider
}

// NewContextHandler wraps inner. provider may be nil.
func NewContextHandler(inner slog.Handler, provider ContextProvider) *ContextHandler {
	return &ContextHandler{inner: inner, provider: provider}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if conn, username, ok := ConnFrom(ctx); ok {
			r.AddAttrs(slog.String("conn", string(conn)))
			if username != "" {
				r.AddAttrs(slog.String("username", username))
			}
		}
	}
	if h.provider != nil {
		r.AddAttrs(h.provider()...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs), provider: h.provider}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ContextHandler{inner: h.inner.WithGroup(name), provider: h.provider}
}
