// Package provider implements the streaming wire adapters for the
// supported LLM backends. Each adapter issues one upstream request,
// normalizes the provider's wire format into [stream.Event] values,
// and resolves the session with exactly one terminal event through the
// caller's [stream.Sink].
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayworks/llmrelay/internal/config"
	"github.com/relayworks/llmrelay/internal/stream"
)

// Provider names accepted in requests.
const (
	Ollama    = "ollama"
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Google    = "google"
)

// Message is a provider-neutral chat message. Wire-format conversion
// (system prompt extraction, role mapping, content blocks) happens at
// provider boundaries before the request is sent, never in the parsers.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one streaming completion.
type Request struct {
	Model    string
	Messages []Message

	// Tools are OpenAI-shaped function specs
	// ({"type":"function","function":{"name":...,"parameters":...}}).
	// Adapters convert them to their provider's schema.
	Tools []map[string]any

	// Images are base64-encoded and attached to the final user message.
	Images []string
}

// Streamer is implemented by each provider adapter. Stream performs
// the full exchange and always resolves sink with a terminal event; it
// never panics or requires error handling at the call site.
type Streamer interface {
	Stream(ctx context.Context, req *Request, sink *stream.Sink)
}

// Router selects the adapter for a hosted provider. A provider whose
// credential is not configured gets a synchronous error terminal —
// callers never see an exception, just the usual event flow.
//
// The local daemon is deliberately absent from the switch: it needs no
// credential and is wired through the direct [OllamaClient] path.
type Router struct {
	openai    *OpenAIClient
	anthropic *AnthropicClient
	google    *GoogleClient
	logger    *slog.Logger
}

// NewRouter builds adapters for every hosted provider that has a
// credential configured.
func NewRouter(cfg config.ProvidersConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{logger: logger}
	if cfg.OpenAI.APIKey != "" {
		r.openai = NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	}
	if cfg.Anthropic.APIKey != "" {
		r.anthropic = NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}
	if cfg.Google.APIKey != "" {
		r.google = NewGoogleClient(cfg.Google.APIKey, cfg.Google.BaseURL, logger)
	}
	return r
}

// Supports reports whether name is a hosted provider this router can
// serve (credential configured).
func (r *Router) Supports(name string) bool {
	switch name {
	case OpenAI:
		return r.openai != nil
	case Anthropic:
		return r.anthropic != nil
	case Google:
		return r.google != nil
	default:
		return false
	}
}

// Stream routes req to the named hosted provider's adapter.
func (r *Router) Stream(ctx context.Context, name string, req *Request, sink *stream.Sink) {
	switch name {
	case OpenAI:
		if r.openai == nil {
			sink.Fail(fmt.Errorf("no API key configured for provider %q", name))
			return
		}
		r.openai.Stream(ctx, req, sink)
	case Anthropic:
		if r.anthropic == nil {
			sink.Fail(fmt.Errorf("no API key configured for provider %q", name))
			return
		}
		r.anthropic.Stream(ctx, req, sink)
	case Google:
		if r.google == nil {
			sink.Fail(fmt.Errorf("no API key configured for provider %q", name))
			return
		}
		r.google.Stream(ctx, req, sink)
	default:
		sink.Fail(fmt.Errorf("unknown provider %q", name))
	}
}
