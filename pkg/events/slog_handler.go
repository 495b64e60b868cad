package events

import (
	"context"
	"log/slog"
)

// LogHandler is a slog.Handler that mirrors log records into the broker
// under SourceLogs, feeding the /logs SSE endpoint. Records are also passed
// through to the wrapped handler so normal stderr logging is unaffected.
type LogHandler struct {
	next   slog.Handler
	broker *Broker
	attrs  []slog.Attr
}

// NewLogHandler wraps next, publishing every record to broker.
func NewLogHandler(next slog.Handler, broker *Broker) *LogHandler {
	return &LogHandler{next: next, broker: broker}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	payload := map[string]any{
		"level":   r.Level.String(),
		"message": r.Message,
	}
	for _, a := range h.attrs {
		payload[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		payload[a.Key] = a.Value.Any()
		return true
	})
	h.broker.Publish(SourceLogs, KindLog, payload)
	return h.next.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &LogHandler{next: h.next.WithAttrs(attrs), broker: h.broker, attrs: merged}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened for the SSE payload; the wrapped handler keeps them.
	return &LogHandler{next: h.next.WithGroup(name), broker: h.broker, attrs: h.attrs}
}
