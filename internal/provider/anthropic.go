package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relayworks/llmrelay/internal/config"
	"github.com/relayworks/llmrelay/internal/httpkit"
	"github.com/relayworks/llmrelay/internal/stream"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient streams completions from the Anthropic Messages API
// (typed SSE events).
type AnthropicClient struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		apiKey: apiKey,
		apiURL: anthropicAPIURL,
		logger: logger.With("provider", Anthropic),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			// Anthropic can think for a long time before sending headers.
			httpkit.WithResponseHeaderTimeout(120*time.Second),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or content blocks when images are attached
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream performs one streaming messages exchange and resolves sink
// with a terminal event.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request, sink *stream.Sink) {
	sink.Finish(c.stream(ctx, req, sink))
}

func (c *AnthropicClient) stream(ctx context.Context, req *Request, sink *stream.Sink) error {
	msgs, system := convertToAnthropic(req)

	payload := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: 4096,
		Stream:    true,
		Tools:     convertToolsToAnthropic(req.Tools),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	return parseAnthropicStream(resp.Body, sink, stream.NewAccumulator(c.logger), c.logger)
}

// convertToAnthropic maps neutral messages to the Anthropic shape,
// extracting system messages into the top-level system field. Images
// become base64 source blocks on the final user message.
func convertToAnthropic(req *Request) ([]anthropicMessage, string) {
	var msgs []anthropicMessage
	var system []string

	for i, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		am := anthropicMessage{Role: m.Role, Content: m.Content}
		if i == len(req.Messages)-1 && m.Role == "user" && len(req.Images) > 0 {
			blocks := []map[string]any{{"type": "text", "text": m.Content}}
			for _, img := range req.Images {
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": "image/jpeg",
						"data":       img,
					},
				})
			}
			am.Content = blocks
		}
		msgs = append(msgs, am)
	}

	return msgs, strings.Join(system, "\n\n")
}

// convertToolsToAnthropic maps OpenAI-shaped tool specs to Anthropic's
// schema. Specs without a function body are skipped.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	var out []anthropicTool
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := fn["description"].(string)
		schema := fn["parameters"]
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, anthropicTool{Name: name, Description: desc, InputSchema: schema})
	}
	return out
}

// parseAnthropicStream consumes the typed SSE event stream. A
// tool_use content_block_start opens a call, input_json_delta events
// extend its argument buffer, and content_block_stop finalizes it
// (dropping the call if the buffered JSON is unusable). message_stop
// ends the stream.
func parseAnthropicStream(r io.Reader, sink *stream.Sink, acc *stream.Accumulator, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var openID string
	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "event: <type>" followed by "data: <json>"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				openID = event.ContentBlock.ID
				acc.Start(openID, event.ContentBlock.Name)
				sink.ToolStart(openID, event.ContentBlock.Name)
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				sink.Content(event.Delta.Text)
			case "input_json_delta":
				if openID != "" {
					acc.Append(openID, event.Delta.PartialJSON)
					sink.ToolArg(openID, event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if openID != "" {
				if ev, ok := acc.Finish(openID); ok {
					sink.Emit(ev)
				}
				openID = ""
			}

		case "message_stop":
			return nil

		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic stream error: %s", event.Error.Message)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
