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

func TestParseOllamaStreamContent(t *testing.T) {
	input := `{"message":{"content":"Hi "}}
{"message":{"content":"there"}}
{"done":true}
`
	rec := &recorder{}
	err := parseOllamaStream(strings.NewReader(input), rec.sink(nil), testLogger())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := rec.text(); got != "Hi there" {
		t.Errorf("text = %q, want %q", got, "Hi there")
	}
	for _, ev := range rec.events {
		if ev.Kind != stream.KindContentDelta {
			t.Errorf("unexpected event %s", ev.Kind)
		}
	}
}

func TestParseOllamaStreamToolCall(t *testing.T) {
	input := `{"message":{"content":"","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"Paris"}}}]}}
{"done":true}
`
	rec := &recorder{}
	if err := parseOllamaStream(strings.NewReader(input), rec.sink(nil), testLogger()); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %v", rec.kinds())
	}
	ev := rec.events[0]
	if ev.Kind != stream.KindToolCallReady {
		t.Fatalf("kind = %s, want tool_call_ready", ev.Kind)
	}
	if ev.Name != "get_weather" {
		t.Errorf("name = %q", ev.Name)
	}
	var args map[string]string
	if err := json.Unmarshal(ev.Arguments, &args); err != nil || args["city"] != "Paris" {
		t.Errorf("arguments = %s (err %v)", ev.Arguments, err)
	}
}

func TestParseOllamaStreamDaemonError(t *testing.T) {
	input := `{"error":"model not found"}
`
	rec := &recorder{}
	err := parseOllamaStream(strings.NewReader(input), rec.sink(nil), testLogger())
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("err = %v, want daemon error", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("no events expected before the error, got %v", rec.kinds())
	}
}

func TestParseOllamaStreamSkipsBlankAndMalformedLines(t *testing.T) {
	input := "\n{not json}\n" + `{"message":{"content":"ok"}}` + "\n" + `{"done":true}` + "\n"
	rec := &recorder{}
	if err := parseOllamaStream(strings.NewReader(input), rec.sink(nil), testLogger()); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.text() != "ok" {
		t.Errorf("text = %q", rec.text())
	}
}

// The parser must produce the same events no matter where the network
// splits the NDJSON lines.
func TestParseOllamaStreamChunkBoundaryIndependence(t *testing.T) {
	input := `{"message":{"content":"Hi "}}
{"message":{"content":"there"}}
{"message":{"content":"","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"Paris"}}}]}}
{"done":true}
`
	for _, size := range []int{1, 2, 3, 7, 16, len(input)} {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			rec := &recorder{}
			r := &chunkReader{data: []byte(input), n: size}
			if err := parseOllamaStream(r, rec.sink(nil), testLogger()); err != nil {
				t.Fatalf("parse: %v", err)
			}

			if rec.text() != "Hi there" {
				t.Errorf("text = %q", rec.text())
			}
			want := []stream.Kind{stream.KindContentDelta, stream.KindContentDelta, stream.KindToolCallReady}
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

func TestOllamaClientStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("request should ask for streaming")
		}

		f := w.(http.Flusher)
		fmt.Fprintln(w, `{"message":{"content":"Hello"}}`)
		f.Flush()
		fmt.Fprintln(w, `{"message":{"content":" world"}}`)
		f.Flush()
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, testLogger())
	rec := &recorder{}
	client.Stream(context.Background(), &Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, rec.sink(nil))

	rec.checkTerminalIsLast(t)
	if rec.text() != "Hello world" {
		t.Errorf("text = %q", rec.text())
	}
	if last := rec.events[len(rec.events)-1]; last.Kind != stream.KindEnd {
		t.Errorf("terminal = %s, want end", last.Kind)
	}
}

func TestOllamaClientStreamUpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, testLogger())
	rec := &recorder{}
	client.Stream(context.Background(), &Request{Model: "m"}, rec.sink(nil))

	rec.checkTerminalIsLast(t)
	last := rec.events[len(rec.events)-1]
	if last.Kind != stream.KindError {
		t.Fatalf("terminal = %s, want error", last.Kind)
	}
	if !strings.Contains(last.Err, "500") {
		t.Errorf("error should carry the status: %s", last.Err)
	}
}

func TestOllamaClientPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, testLogger())
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}

	srv.Close()
	if err := client.Ping(context.Background()); err == nil {
		t.Error("ping against a closed server should fail")
	}
}
