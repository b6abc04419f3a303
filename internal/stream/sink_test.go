package stream

import (
	"context"
	"errors"
	"testing"
)

func collect(events *[]Event) Callback {
	return func(ev Event) { *events = append(*events, ev) }
}

func TestSinkExactlyOneTerminal(t *testing.T) {
	var events []Event
	sink := NewSink(collect(&events), nil)

	if !sink.Content("hello") {
		t.Fatal("content delta should be delivered")
	}
	if !sink.End() {
		t.Fatal("first terminal should be delivered")
	}
	if sink.Content("late") {
		t.Error("content after terminal should be suppressed")
	}
	if sink.Fail(errors.New("late failure")) {
		t.Error("second terminal should be suppressed")
	}
	if sink.End() {
		t.Error("duplicate End should be suppressed")
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[len(events)-1].Kind.Terminal() {
		t.Error("last recorded event should be terminal")
	}
	if !sink.Closed() {
		t.Error("sink should report closed")
	}
}

func TestSinkCancellationSuppressesEvents(t *testing.T) {
	var events []Event
	token := NewToken(context.Background())
	sink := NewSink(collect(&events), token)

	sink.Content("before")
	token.Cancel()

	if sink.Content("after") {
		t.Error("content after cancel should be suppressed")
	}
	if !sink.Cancelled() {
		t.Error("the cancelled terminal itself must get through")
	}
	if sink.Cancelled() {
		t.Error("cancelled terminal must be delivered at most once")
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %v", len(events), events)
	}
	if events[1].Kind != KindCancelled {
		t.Errorf("expected final event cancelled, got %s", events[1].Kind)
	}
}

// A cancel arriving in the instant the stream completes naturally must
// still close the session: the suppressed success terminal degrades to
// the cancelled terminal rather than vanishing.
func TestSinkTerminalRacedByCancellation(t *testing.T) {
	tests := []struct {
		name string
		emit func(s *Sink)
	}{
		{"finish with nil error", func(s *Sink) { s.Finish(nil) }},
		{"direct End", func(s *Sink) { s.End() }},
		{"finish with upstream error", func(s *Sink) { s.Finish(errors.New("read stream: boom")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []Event
			token := NewToken(context.Background())
			sink := NewSink(collect(&events), token)

			sink.Content("payload")
			token.Cancel()
			tt.emit(sink)

			if len(events) != 2 {
				t.Fatalf("expected exactly one terminal after cancel, got %v", events)
			}
			if events[1].Kind != KindCancelled {
				t.Errorf("terminal = %s, want cancelled", events[1].Kind)
			}
			if !sink.Closed() {
				t.Error("sink should be closed")
			}
		})
	}
}

func TestSinkFinish(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil error is success", nil, KindEnd},
		{"context.Canceled is cancellation", context.Canceled, KindCancelled},
		{"cancel text without the sentinel is an error", errors.New("request failed: " + context.Canceled.Error()), KindError},
		{"deadline exceeded is an error, not cancellation", context.DeadlineExceeded, KindError},
		{"upstream failure is an error", errors.New("API error 500"), KindError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []Event
			sink := NewSink(collect(&events), nil)
			sink.Finish(tt.err)

			if len(events) != 1 {
				t.Fatalf("expected 1 terminal, got %d", len(events))
			}
			if events[0].Kind != tt.want {
				t.Errorf("terminal = %s, want %s", events[0].Kind, tt.want)
			}
		})
	}
}

func TestSinkFinishAfterTokenCancel(t *testing.T) {
	var events []Event
	token := NewToken(context.Background())
	sink := NewSink(collect(&events), token)

	token.Cancel()
	// The aborted read surfaces as a wrapped context.Canceled from the
	// HTTP client; Finish must resolve as cancelled either way.
	sink.Finish(errors.New("upstream read aborted"))

	if len(events) != 1 || events[0].Kind != KindCancelled {
		t.Fatalf("expected single cancelled terminal, got %v", events)
	}
}
