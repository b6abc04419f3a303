package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayworks/llmrelay/internal/stream"
)

func anthropicSSE(events ...[2]string) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString("event: " + ev[0] + "\n")
		b.WriteString("data: " + ev[1] + "\n\n")
	}
	return b.String()
}

func TestParseAnthropicStreamTextAndToolUse(t *testing.T) {
	input := anthropicSSE(
		[2]string{"message_start", `{"type":"message_start"}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check."}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		[2]string{"message_delta", `{"type":"message_delta"}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	)

	rec := &recorder{}
	err := parseAnthropicStream(strings.NewReader(input), rec.sink(nil), stream.NewAccumulator(testLogger()), testLogger())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := []stream.Kind{
		stream.KindContentDelta,
		stream.KindToolCallStart,
		stream.KindToolCallArgDelta,
		stream.KindToolCallArgDelta,
		stream.KindToolCallReady,
	}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}

	ready := rec.events[len(rec.events)-1]
	if ready.ID != "toolu_1" || ready.Name != "get_weather" {
		t.Errorf("identity: id=%q name=%q", ready.ID, ready.Name)
	}
	var args map[string]string
	if err := json.Unmarshal(ready.Arguments, &args); err != nil || args["city"] != "Oslo" {
		t.Errorf("arguments = %s (err %v)", ready.Arguments, err)
	}
}

// The parser must produce the same events no matter where the network
// splits the SSE lines.
func TestParseAnthropicStreamChunkBoundaryIndependence(t *testing.T) {
	input := anthropicSSE(
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check."}}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"Oslo\"}"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	)
	for _, size := range []int{1, 2, 3, 7, 16, len(input)} {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			rec := &recorder{}
			r := &chunkReader{data: []byte(input), n: size}
			if err := parseAnthropicStream(r, rec.sink(nil), stream.NewAccumulator(testLogger()), testLogger()); err != nil {
				t.Fatalf("parse: %v", err)
			}

			if rec.text() != "Let me check." {
				t.Errorf("text = %q", rec.text())
			}
			want := []stream.Kind{
				stream.KindContentDelta,
				stream.KindToolCallStart,
				stream.KindToolCallArgDelta,
				stream.KindToolCallReady,
			}
			got := rec.kinds()
			if len(got) != len(want) {
				t.Fatalf("kinds = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("kinds = %v, want %v", got, want)
				}
			}
		})
	}
}

func TestParseAnthropicStreamErrorEvent(t *testing.T) {
	input := anthropicSSE(
		[2]string{"error", `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`},
	)

	rec := &recorder{}
	err := parseAnthropicStream(strings.NewReader(input), rec.sink(nil), stream.NewAccumulator(testLogger()), testLogger())
	if err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("err = %v, want stream error", err)
	}
}

func TestConvertToAnthropicSystemExtraction(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
			{Role: "system", Content: "answer in English"},
		},
	}

	msgs, system := convertToAnthropic(req)
	if system != "be terse\n\nanswer in English" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "get_time",
				"description": "current time",
				"parameters":  map[string]any{"type": "object"},
			},
		},
		{"type": "function"}, // no function body, skipped
	}

	out := convertToolsToAnthropic(tools)
	if len(out) != 1 {
		t.Fatalf("converted %d tools, want 1", len(out))
	}
	if out[0].Name != "get_time" || out[0].Description != "current time" {
		t.Errorf("tool = %+v", out[0])
	}
}

func TestAnthropicClientStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.MaxTokens == 0 {
			t.Error("max_tokens must be set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, anthropicSSE(
			[2]string{"content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"pong"}}`},
			[2]string{"message_stop", `{"type":"message_stop"}`},
		))
	}))
	defer srv.Close()

	client := NewAnthropicClient("sk-ant", testLogger())
	client.apiURL = srv.URL

	rec := &recorder{}
	client.Stream(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: "user", Content: "ping"}},
	}, rec.sink(nil))

	rec.checkTerminalIsLast(t)
	if rec.text() != "pong" {
		t.Errorf("text = %q", rec.text())
	}
}
