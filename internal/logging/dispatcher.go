package logging

import (
	"context"
	"log/slog"

	"github.com/coopsync/coopsync/pkg/core"
)

// DispatcherLogger adapts slog.Logger to the dispatcher.Logger interface.
// A "conn" pair holding a core.ConnID is moved into the record context so it
// is rendered the same way as the server's own connection logs.
type DispatcherLogger struct {
	logger *slog.Logger
}

func NewDispatcherLogger(logger *slog.Logger) *DispatcherLogger {
	return &DispatcherLogger{logger: logger.With("component", "dispatcher")}
}

func (l *DispatcherLogger) Debug(msg string, keysAndValues ...any) {
	l.log(slog.LevelDebug, msg, keysAndValues)
}

func (l *DispatcherLogger) Info(msg string, keysAndValues ...any) {
	l.log(slog.LevelInfo, msg, keysAndValues)
}

func (l *DispatcherLogger) Error(msg string, keysAndValues ...any) {
	l.log(slog.LevelError, msg, keysAndValues)
}

func (l *DispatcherLogger) log(level slog.Level, msg string, keysAndValues []any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	rest := make([]any, 0, len(keysAndValues))
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) && keysAndValues[i] == "conn" {
			if conn, ok := keysAndValues[i+1].(core.ConnID); ok {
				ctx = WithConn(ctx, conn, "")
				continue
			}
		}
		rest = append(rest, keysAndValues[i:min(i+2, len(keysAndValues))]...)
	}
	l.logger.Log(ctx, level, msg, rest...)
}
