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
	"time"

	"github.com/relayworks/llmrelay/internal/config"
	"github.com/relayworks/llmrelay/internal/httpkit"
	"github.com/relayworks/llmrelay/internal/stream"
)

// OllamaClient streams completions from a local inference daemon
// speaking the Ollama chat API (newline-delimited JSON).
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for the daemon at baseURL
// (default http://localhost:11434).
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: baseURL,
		logger:  logger.With("provider", Ollama),
		httpClient: httpkit.NewClient(
			// No global timeout — streaming responses can be long-lived.
			// Rely on ctx cancellation for lifetime control.
			httpkit.WithTimeout(0),
			// Local models can take a while to load before the first byte.
			httpkit.WithResponseHeaderTimeout(120*time.Second),
		),
	}
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChunk struct {
	Message struct {
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"` // Ollama returns an object, not a string
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Stream performs one streaming chat exchange and resolves sink with a
// terminal event.
func (c *OllamaClient) Stream(ctx context.Context, req *Request, sink *stream.Sink) {
	sink.Finish(c.stream(ctx, req, sink))
}

func (c *OllamaClient) stream(ctx context.Context, req *Request, sink *stream.Sink) error {
	payload := ollamaChatRequest{
		Model:  req.Model,
		Stream: true,
		Tools:  req.Tools,
	}
	for i, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if i == len(req.Messages)-1 && m.Role == "user" {
			om.Images = req.Images
		}
		payload.Messages = append(payload.Messages, om)
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	return parseOllamaStream(resp.Body, sink, c.logger)
}

// parseOllamaStream consumes newline-delimited JSON. Each line is one
// independent object; partial lines split across network reads are
// buffered by the scanner until a newline arrives, so a truncated line
// is never parsed.
func parseOllamaStream(r io.Reader, sink *stream.Sink, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	// Increase scanner buffer for large chunks
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	callSeq := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			logger.Debug("skipping undecodable chunk", "error", err)
			continue
		}

		if chunk.Error != "" {
			return fmt.Errorf("daemon error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			sink.Content(chunk.Message.Content)
		}

		// The daemon delivers tool calls whole, no accumulation phase.
		for _, tc := range chunk.Message.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				logger.Warn("dropping tool call with unencodable arguments", "tool", tc.Function.Name, "error", err)
				continue
			}
			callSeq++
			sink.ToolReady(fmt.Sprintf("call_%d", callSeq), tc.Function.Name, args)
		}

		if chunk.Done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// Ping checks if the daemon is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
