package events

import (
	"io"
	"log/slog"
)

// newTestLogger builds a slog.Logger whose records are mirrored into b and
// otherwise discarded.
func newTestLogger(b *Broker) *slog.Logger {
	discard := slog.NewTextHandler(io.Discard, nil)
	return slog.New(NewLogHandler(discard, b))
}
