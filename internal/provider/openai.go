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

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient streams completions from the OpenAI Chat Completions
// API (SSE wire format).
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. baseURL overrides the
// public endpoint (useful for compatible gateways and tests).
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", OpenAI),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(120*time.Second),
		),
	}
}

type openAIChatRequest struct {
	Model    string           `json:"model"`
	Messages []openAIMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or content parts when images are attached
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content   string            `json:"content"`
			ToolCalls []openAIToolDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type openAIToolDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Stream performs one streaming chat exchange and resolves sink with a
// terminal event.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request, sink *stream.Sink) {
	sink.Finish(c.stream(ctx, req, sink))
}

func (c *OpenAIClient) stream(ctx context.Context, req *Request, sink *stream.Sink) error {
	payload := openAIChatRequest{
		Model:  req.Model,
		Stream: true,
		Tools:  req.Tools,
	}
	for i, m := range req.Messages {
		om := openAIMessage{Role: m.Role, Content: m.Content}
		if i == len(req.Messages)-1 && m.Role == "user" && len(req.Images) > 0 {
			parts := []map[string]any{{"type": "text", "text": m.Content}}
			for _, img := range req.Images {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": "data:image/jpeg;base64," + img},
				})
			}
			om.Content = parts
		}
		payload.Messages = append(payload.Messages, om)
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return fmt.Errorf("openai API error %d: %s", resp.StatusCode, errBody)
	}

	return parseOpenAIStream(resp.Body, sink, stream.NewAccumulator(c.logger), c.logger)
}

// parseOpenAIStream consumes "data:" SSE lines. Tool calls arrive as
// indexed deltas: an entry bearing an id opens a new call (closing any
// previous open call first — at most one call is open per stream), and
// later entries append name/argument fragments to it. The "[DONE]"
// sentinel ends the stream after finalizing any open call.
func parseOpenAIStream(r io.Reader, sink *stream.Sink, acc *stream.Accumulator, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var openID string
	finalize := func() {
		if openID == "" {
			return
		}
		if ev, ok := acc.Finish(openID); ok {
			sink.Emit(ev)
		}
		openID = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			finalize()
			return nil
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed per-line JSON is a benign partial chunk, never
			// a stream failure.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			sink.Content(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			if tc.ID != "" {
				finalize()
				openID = tc.ID
				acc.Start(tc.ID, tc.Function.Name)
				sink.ToolStart(tc.ID, tc.Function.Name)
				if tc.Function.Arguments != "" {
					acc.Append(openID, tc.Function.Arguments)
					sink.ToolArg(openID, tc.Function.Arguments)
				}
				continue
			}
			if openID == "" {
				continue
			}
			if tc.Function.Name != "" {
				acc.AppendName(openID, tc.Function.Name)
			}
			if tc.Function.Arguments != "" {
				acc.Append(openID, tc.Function.Arguments)
				sink.ToolArg(openID, tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	finalize()
	return nil
}
