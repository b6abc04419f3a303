package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relayworks/llmrelay/internal/config"
	"github.com/relayworks/llmrelay/internal/httpkit"
	"github.com/relayworks/llmrelay/internal/stream"
)

const googleDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleClient streams completions from the Gemini API. The streaming
// endpoint returns one JSON array delivered incrementally; elements
// are framed with an [objectScanner] rather than line or SSE parsing.
type GoogleClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGoogleClient creates a new Gemini client. baseURL overrides the
// public endpoint (useful for tests).
func NewGoogleClient(apiKey, baseURL string, logger *slog.Logger) *GoogleClient {
	if baseURL == "" {
		baseURL = googleDefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", Google),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(120*time.Second),
		),
	}
}

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	Tools             []googleTools   `json:"tools,omitempty"`
}

type googleContent struct {
	Role  string           `json:"role,omitempty"`
	Parts []map[string]any `json:"parts"`
}

type googleTools struct {
	FunctionDeclarations []map[string]any `json:"functionDeclarations"`
}

type googleChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream performs one streaming generateContent exchange and resolves
// sink with a terminal event.
func (c *GoogleClient) Stream(ctx context.Context, req *Request, sink *stream.Sink) {
	sink.Finish(c.stream(ctx, req, sink))
}

func (c *GoogleClient) stream(ctx context.Context, req *Request, sink *stream.Sink) error {
	payload := convertToGoogle(req)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s",
		c.baseURL, url.PathEscape(req.Model), url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonData))
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
		return fmt.Errorf("google API error %d: %s", resp.StatusCode, errBody)
	}

	return parseGoogleStream(resp.Body, sink, c.logger)
}

// convertToGoogle maps neutral messages to the Gemini shape: system
// messages become systemInstruction, the assistant role maps to
// "model", and images become inlineData parts on the final user
// message.
func convertToGoogle(req *Request) googleRequest {
	var out googleRequest
	var system []string

	for i, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		parts := []map[string]any{{"text": m.Content}}
		if i == len(req.Messages)-1 && m.Role == "user" {
			for _, img := range req.Images {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": "image/jpeg", "data": img},
				})
			}
		}
		out.Contents = append(out.Contents, googleContent{Role: role, Parts: parts})
	}

	if len(system) > 0 {
		out.SystemInstruction = &googleContent{
			Parts: []map[string]any{{"text": strings.Join(system, "\n\n")}},
		}
	}

	var decls []map[string]any
	for _, t := range req.Tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		decl := map[string]any{"name": fn["name"]}
		if d, ok := fn["description"].(string); ok && d != "" {
			decl["description"] = d
		}
		if p := fn["parameters"]; p != nil {
			decl["parameters"] = p
		}
		decls = append(decls, decl)
	}
	if len(decls) > 0 {
		out.Tools = []googleTools{{FunctionDeclarations: decls}}
	}

	return out
}

// parseGoogleStream frames complete array elements out of the growing
// response and decodes each independently. Gemini delivers function
// calls whole, so they surface as atomic ready events with no
// accumulation phase. An element that frames completely but does not
// decode is logged and skipped; it can never become valid with more
// bytes.
func parseGoogleStream(r io.Reader, sink *stream.Sink, logger *slog.Logger) error {
	var sc objectScanner
	buf := make([]byte, 4096)
	callSeq := 0

	for {
		n, err := r.Read(buf)
		if n > 0 {
			sc.feed(buf[:n])
			for {
				obj, ok := sc.next()
				if !ok {
					break
				}

				var chunk googleChunk
				if uerr := json.Unmarshal(obj, &chunk); uerr != nil {
					logger.Debug("skipping undecodable stream element", "error", uerr)
					continue
				}

				if chunk.Error != nil {
					return fmt.Errorf("google API error %d: %s", chunk.Error.Code, chunk.Error.Message)
				}
				if len(chunk.Candidates) == 0 {
					continue
				}

				for _, part := range chunk.Candidates[0].Content.Parts {
					if part.Text != "" {
						sink.Content(part.Text)
					}
					if part.FunctionCall != nil {
						args := part.FunctionCall.Args
						if len(args) == 0 {
							args = json.RawMessage("{}")
						}
						callSeq++
						sink.ToolReady(fmt.Sprintf("fc_%d", callSeq), part.FunctionCall.Name, args)
					}
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
	}
}
