package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mealplanner/authcore/family"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, Event) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Emit(context.Context, Event) {
	<-s.gate
}

type closingSink struct {
	countingSink
	closed bool
	err    error
}

func (s *closingSink) Close() error {
	s.closed = true
	return s.err
}

type panicSink struct{}

func (panicSink) Emit(context.Context, Event) { panic("boom") }

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &countingSink{}, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), Event{Action: ActionSessionCreated})
	if err := d.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if d.Dropped() != 0 || d.Delivered() != 0 {
		t.Fatal("nil dispatcher counts nothing")
	}
}

func TestDispatcherCloseDrains(t *testing.T) {
	sink := &closingSink{err: errors.New("flush failed")}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, sink, nil)
	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), Event{Action: ActionRefreshRotated})
	}
	if err := d.Close(); err == nil || err.Error() != "flush failed" {
		t.Fatalf("expected sink close error, got %v", err)
	}
	if got := sink.count.Load(); got != 50 {
		t.Fatalf("expected all buffered events delivered, got %d", got)
	}
	if !sink.closed {
		t.Fatal("expected sink to be closed")
	}

	d.Emit(context.Background(), Event{Action: ActionSessionRevoked})
	if got := sink.count.Load(); got != 50 {
		t.Fatal("emit after close must be ignored")
	}
}

func TestDispatcherDropIfFull(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Emit(context.Background(), Event{Action: ActionRefreshRotated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drop-if-full emit blocked")
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events")
	}
	close(sink.gate)
	_ = d.Close()
}

func TestDispatcherBlockingRespectsContext(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink, nil)
	defer func() {
		close(sink.gate)
		_ = d.Close()
	}()

	d.Emit(context.Background(), Event{})
	d.Emit(context.Background(), Event{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	d.Emit(ctx, Event{})
	if time.Since(start) > time.Second {
		t.Fatal("blocking emit ignored context deadline")
	}
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, panicSink{}, nil)
	d.Emit(context.Background(), Event{Action: ActionRefreshRotated})
	d.Emit(context.Background(), Event{Action: ActionReuseDetected})
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if d.Delivered() != 0 {
		t.Fatalf("panicking deliveries must not count, got %d", d.Delivered())
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONWriterSink(&buf)
	s.Emit(context.Background(), Event{
		Action:       ActionReuseDetected,
		FamilyID:     "fam-1",
		Code:         "REUSE_DETECTED",
		RevokeReason: family.ReasonReuse,
		Revoked:      1,
	})
	s.Emit(context.Background(), Event{Action: ActionSessionRevoked, FamilyID: "fam-2"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var got Event
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Action != ActionReuseDetected || got.FamilyID != "fam-1" || got.Success() {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.RevokeReason != family.ReasonReuse || got.Revoked != 1 {
		t.Fatalf("revocation fields lost: %+v", got)
	}
	if !strings.Contains(lines[0], `"action":"refresh_reuse_detected"`) || strings.Contains(lines[1], `"code"`) {
		t.Fatalf("unexpected encoding:\n%s", buf.String())
	}
}

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(0)
	s.Emit(context.Background(), Event{Action: ActionRefreshRotated})
	if ev := <-s.Events(); ev.Action != ActionRefreshRotated {
		t.Fatalf("unexpected event %+v", ev)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Emit(context.Background(), Event{Action: ActionSessionCreated})
	s.Emit(ctx, Event{Action: ActionSessionRevoked})
	if ev := <-s.Events(); ev.Action != ActionSessionCreated {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMultiSink(t *testing.T) {
	first := &closingSink{}
	second := &closingSink{err: errors.New("upload failed")}
	var reuse []string
	m := MultiSink{first, second, SinkFunc(func(_ context.Context, ev Event) {
		if ev.Action == ActionReuseDetected {
			reuse = append(reuse, ev.FamilyID)
		}
	})}

	m.Emit(context.Background(), Event{Action: ActionRefreshRotated, FamilyID: "fam-1"})
	m.Emit(context.Background(), Event{Action: ActionReuseDetected, FamilyID: "fam-2"})

	if first.count.Load() != 2 || second.count.Load() != 2 {
		t.Fatal("every sink must see every event")
	}
	if len(reuse) != 1 || reuse[0] != "fam-2" {
		t.Fatalf("unexpected reuse events %v", reuse)
	}
	if err := m.Close(); err == nil || err.Error() != "upload failed" {
		t.Fatalf("expected close error, got %v", err)
	}
	if !first.closed || !second.closed {
		t.Fatal("every closer must be closed")
	}
}

func TestEventSuccess(t *testing.T) {
	if !(Event{Action: ActionRefreshRotated}).Success() {
		t.Fatal("event without code is a success")
	}
	if (Event{Action: ActionRefreshRejected, Code: "RATE_LIMITED"}).Success() {
		t.Fatal("event with code is a failure")
	}
}
