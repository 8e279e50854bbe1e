package authcore

import (
	"io"

	"github.com/mealplanner/authcore/internal/audit"
)

// AuditEvent is one security-relevant engine event.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine. Implementations that also
// satisfy io.Closer are closed by [Engine.Close].
type AuditSink = audit.Sink

// AuditAction names what an [AuditEvent] records.
type AuditAction = audit.Action

// AuditSinkFunc adapts a function to [AuditSink].
type AuditSinkFunc = audit.SinkFunc

// MultiSink fans events out to several sinks.
type MultiSink = audit.MultiSink

// NoOpSink discards events.
type NoOpSink = audit.NoOpSink

// ChannelSink forwards events to a buffered channel.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes newline-delimited JSON.
type JSONWriterSink = audit.JSONWriterSink

// NewChannelSink returns a [ChannelSink] with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a [JSONWriterSink] writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}
