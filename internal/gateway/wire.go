package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relayworks/llmrelay/internal/provider"
	"github.com/relayworks/llmrelay/internal/stream"
)

// Machine-readable error codes carried on error frames.
const (
	CodeValidation = "VALIDATION"
	CodeAuth       = "AUTH"
	CodeRateLimit  = "RATE_LIMIT"
	CodeUpstream   = "UPSTREAM"
)

// StreamRequest is the inbound streaming request body, shared by the
// SSE endpoint and the WebSocket handshake message.
type StreamRequest struct {
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Prompt   string             `json:"prompt,omitempty"`
	Messages []provider.Message `json:"messages,omitempty"`
	Images   []string           `json:"images,omitempty"`
	Tools    []map[string]any   `json:"tools,omitempty"`
}

// validate checks the request before any upstream contact.
func (r *StreamRequest) validate() error {
	if strings.TrimSpace(r.Provider) == "" {
		return fmt.Errorf("missing provider")
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("missing model")
	}
	if strings.TrimSpace(r.Prompt) == "" && len(r.Messages) == 0 {
		return fmt.Errorf("missing prompt or messages")
	}
	return nil
}

// toProviderRequest converts the wire request into the neutral form. A
// bare prompt becomes a single user message.
func (r *StreamRequest) toProviderRequest() *provider.Request {
	req := &provider.Request{
		Model:    r.Model,
		Messages: r.Messages,
		Images:   r.Images,
		Tools:    r.Tools,
	}
	if len(req.Messages) == 0 {
		req.Messages = []provider.Message{{Role: "user", Content: r.Prompt}}
	}
	return req
}

// ClientMessage is a client->server WebSocket frame.
type ClientMessage struct {
	Type string `json:"type"` // "cancel"

	// SessionID optionally names the session to cancel. Empty means
	// the connection's own session.
	SessionID string `json:"session_id,omitempty"`
}

// WireEvent is the JSON envelope relayed to clients: one SSE data line
// or one WebSocket text frame per event. Terminal frames carry
// done:true (success or cancellation) or error:true.
type WireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Fragment  string          `json:"fragment,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      string          `json:"code,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Error     bool            `json:"error,omitempty"`
}

// toWireEvent converts a stream event into its client envelope.
func toWireEvent(ev stream.Event) WireEvent {
	switch ev.Kind {
	case stream.KindContentDelta:
		return WireEvent{Type: "content", Text: ev.Text}
	case stream.KindToolCallStart:
		return WireEvent{Type: "tool_call_start", ID: ev.ID, Name: ev.Name}
	case stream.KindToolCallArgDelta:
		return WireEvent{Type: "tool_call_delta", ID: ev.ID, Fragment: ev.Fragment}
	case stream.KindToolCallReady:
		return WireEvent{Type: "tool_call", ID: ev.ID, Name: ev.Name, Arguments: ev.Arguments}
	case stream.KindEnd:
		return WireEvent{Type: "done", Done: true}
	case stream.KindCancelled:
		return WireEvent{Type: "cancelled", Done: true}
	case stream.KindError:
		return WireEvent{Type: "error", Error: true, Code: CodeUpstream, Message: ev.Err}
	default:
		return WireEvent{Type: "unknown"}
	}
}

// errorEvent builds a terminal error frame with a machine-readable code.
func errorEvent(code, message string) WireEvent {
	return WireEvent{Type: "error", Error: true, Code: code, Message: message}
}
