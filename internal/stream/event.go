// Package stream defines the provider-neutral streaming event model
// shared by the wire parsers, the gateway, and the CLI. Every provider
// adapter normalizes its upstream format into a sequence of [Event]
// values delivered through a [Sink], which enforces the stream
// contract: events arrive in production order, and exactly one
// terminal event ends each session.
package stream

import "encoding/json"

// Kind identifies the type of stream event.
type Kind int

const (
	// KindContentDelta is an incremental chunk of assistant text.
	// Concatenating the Text of every content delta yields the final
	// response text.
	KindContentDelta Kind = iota

	// KindToolCallStart fires when the model opens a tool call.
	KindToolCallStart

	// KindToolCallArgDelta carries an incremental fragment of a tool
	// call's argument JSON.
	KindToolCallArgDelta

	// KindToolCallReady fires when a tool call's block closes and its
	// accumulated arguments parsed as valid JSON.
	KindToolCallReady

	// KindEnd signals successful completion. Terminal.
	KindEnd

	// KindError signals upstream failure. Terminal.
	KindError

	// KindCancelled signals deliberate cancellation. Terminal, and
	// distinct from KindError.
	KindCancelled
)

// Terminal reports whether the kind ends a session.
func (k Kind) Terminal() bool {
	return k == KindEnd || k == KindError || k == KindCancelled
}

func (k Kind) String() string {
	switch k {
	case KindContentDelta:
		return "content_delta"
	case KindToolCallStart:
		return "tool_call_start"
	case KindToolCallArgDelta:
		return "tool_call_arg_delta"
	case KindToolCallReady:
		return "tool_call_ready"
	case KindEnd:
		return "end"
	case KindError:
		return "error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is a single streaming event. Consumers switch on Kind to
// determine which fields are set.
type Event struct {
	Kind Kind

	// Text is set for KindContentDelta.
	Text string

	// ID is the provider-assigned tool call id, set for all tool call kinds.
	ID string

	// Name is the tool name, set for KindToolCallStart and KindToolCallReady.
	Name string

	// Fragment is set for KindToolCallArgDelta.
	Fragment string

	// Arguments is set for KindToolCallReady and always holds valid JSON.
	Arguments json.RawMessage

	// Err is the failure message, set for KindError.
	Err string
}

// Callback receives streaming events in production order.
type Callback func(Event)
