package gateway

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event is a structured error report emitted at pipeline failures.
// Delivery beyond the Sink interface is external to the core.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	ClientAddr string    `json:"client_addr"`
	Query      string    `json:"query"`
	BodyDigest string    `json:"body_digest"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Sink receives error events. Implementations must not block; slow
// delivery belongs on the implementor's own queue.
type Sink interface {
	Report(Event)
}

// LogSink reports events through the structured logger. It is the
// default sink when none is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Report implements Sink.
func (s *LogSink) Report(e Event) {
	s.logger.Error("pipeline error event",
		"event_id", e.ID,
		"kind", e.Kind,
		"method", e.Method,
		"url", e.URL,
		"client_addr", e.ClientAddr,
		"query", e.Query,
		"body_digest", e.BodyDigest,
		"message", e.Message,
	)
}

// newEvent stamps a fresh event with an ID and timestamp.
func newEvent(kind string) Event {
	return Event{
		ID:   uuid.NewString(),
		Kind: kind,
		At:   time.Now(),
	}
}
