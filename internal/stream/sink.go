package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Sink delivers events to a subscriber callback while enforcing the
// stream contract:
//
//   - events are delivered in the order they are emitted, never
//     concurrently (emission is serialized);
//   - once cancellation is requested on the session token, no event
//     other than the single KindCancelled terminal reaches the
//     subscriber;
//   - exactly one terminal event is delivered, ever. Emissions after
//     the terminal are silently discarded.
type Sink struct {
	mu    sync.Mutex
	cb    Callback
	token *Token
	done  bool
}

// NewSink wraps cb in a Sink tied to token. A nil token disables the
// cancellation checks (useful in parser tests).
func NewSink(cb Callback, token *Token) *Sink {
	return &Sink{cb: cb, token: token}
}

// Emit delivers ev to the subscriber. It reports whether the event was
// actually delivered: false means the stream already ended or
// cancellation suppressed it.
func (s *Sink) Emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}
	if s.token != nil && s.token.Cancelled() && ev.Kind != KindCancelled {
		// An event already in flight when cancel was requested must
		// not reach the subscriber. A suppressed terminal still has to
		// close the session, so it degrades to the cancelled terminal;
		// otherwise a cancel racing the final chunk would leave the
		// subscriber with no terminal at all.
		if ev.Kind.Terminal() {
			s.done = true
			s.cb(Event{Kind: KindCancelled})
		}
		return false
	}
	if ev.Kind.Terminal() {
		s.done = true
	}
	s.cb(ev)
	return true
}

// Closed reports whether a terminal event has been delivered.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Content emits an incremental text delta.
func (s *Sink) Content(text string) bool {
	return s.Emit(Event{Kind: KindContentDelta, Text: text})
}

// ToolStart emits the opening of a tool call.
func (s *Sink) ToolStart(id, name string) bool {
	return s.Emit(Event{Kind: KindToolCallStart, ID: id, Name: name})
}

// ToolArg emits an argument fragment for an open tool call.
func (s *Sink) ToolArg(id, fragment string) bool {
	return s.Emit(Event{Kind: KindToolCallArgDelta, ID: id, Fragment: fragment})
}

// ToolReady emits a finalized tool call. args must be valid JSON.
func (s *Sink) ToolReady(id, name string, args json.RawMessage) bool {
	return s.Emit(Event{Kind: KindToolCallReady, ID: id, Name: name, Arguments: args})
}

// End emits the success terminal.
func (s *Sink) End() bool {
	return s.Emit(Event{Kind: KindEnd})
}

// Fail emits the failure terminal.
func (s *Sink) Fail(err error) bool {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return s.Emit(Event{Kind: KindError, Err: msg})
}

// Cancelled emits the cancellation terminal.
func (s *Sink) Cancelled() bool {
	return s.Emit(Event{Kind: KindCancelled})
}

// Finish resolves the session with the appropriate terminal event for
// err. A nil error is success; a transport abort triggered by the
// session token (context.Canceled anywhere in the chain) resolves as
// cancelled, never as an error; anything else is a failure. Either way
// a terminal raced by cancellation surfaces as cancelled via [Emit].
func (s *Sink) Finish(err error) {
	switch {
	case err == nil:
		s.End()
	case errors.Is(err, context.Canceled):
		s.Cancelled()
	default:
		s.Fail(err)
	}
}
