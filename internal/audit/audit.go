package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/mealplanner/authcore/family"
)

// Action names what happened to a family.
type Action string

const (
	ActionSessionCreated       Action = "session_created"
	ActionRefreshRotated       Action = "refresh_rotated"
	ActionRefreshGraceReserved Action = "refresh_grace_reserved"
	// ActionRefreshRejected covers refreshes denied without touching the family: expired
	// lineage, malformed input, throttling and infrastructure failures. Code tells them apart.
	ActionRefreshRejected Action = "refresh_rejected"
	// ActionReuseDetected is a replayed secret or a refresh on an already revoked family.
	ActionReuseDetected  Action = "refresh_reuse_detected"
	ActionSessionRevoked Action = "session_revoked"
	ActionSubjectRevoked Action = "subject_revoked"
)

// Event is one audit record.
type Event struct {
	Time      time.Time `json:"time"`
	Action    Action    `json:"action"`
	FamilyID  string    `json:"family_id,omitempty"`
	SubjectID string    `json:"subject_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	// Code is the wire error code the caller received; empty when the operation succeeded.
	Code string `json:"code,omitempty"`
	// Detail narrows Code for rejected input, e.g. "malformed_secret".
	Detail string `json:"detail,omitempty"`
	// RevokeReason is the reason recorded on the family when the event concerns a revoked one.
	RevokeReason family.RevokeReason `json:"revoke_reason,omitempty"`
	// Revoked counts families this event moved to Revoked.
	Revoked int `json:"revoked,omitempty"`
}

// Success reports whether the audited operation succeeded.
func (e Event) Success() bool {
	return e.Code == ""
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// MultiSink hands every event to each sink in order. Close closes every sink that is an
// io.Closer and returns the first error.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	if w == nil {
		return &JSONWriterSink{}
	}
	return &JSONWriterSink{enc: json.NewEncoder(w)}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(event)
}
