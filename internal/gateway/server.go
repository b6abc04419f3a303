// Package gateway implements the multi-client streaming front door: it
// accepts streaming requests over HTTP/SSE or WebSocket, applies API
// key and rate-limit admission, forwards to the provider adapters, and
// relays the event stream back while propagating client disconnects as
// upstream cancellation.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/relayworks/llmrelay/internal/auth"
	"github.com/relayworks/llmrelay/internal/buildinfo"
	"github.com/relayworks/llmrelay/internal/config"
	"github.com/relayworks/llmrelay/internal/provider"
	"github.com/relayworks/llmrelay/internal/stream"
)

// Header names for client and admin credentials.
const (
	APIKeyHeader   = "X-API-Key"
	AdminKeyHeader = "X-Admin-Key"
)

// Server is the gateway HTTP server.
type Server struct {
	address    string
	port       int
	router     *provider.Router
	local      *provider.OllamaClient
	keys       *auth.KeyStore
	requireKey bool
	adminKey   string
	limiter    *auth.RateLimiter
	logger     *slog.Logger
	server     *http.Server

	mu       sync.Mutex
	sessions map[string]*session

	upgrader websocket.Upgrader
}

// NewServer creates a gateway server. keys may be nil when API keys
// are not required; limiter may be nil to disable rate limiting.
func NewServer(cfg *config.Config, router *provider.Router, local *provider.OllamaClient, keys *auth.KeyStore, limiter *auth.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    cfg.Listen.Address,
		port:       cfg.Listen.Port,
		router:     router,
		local:      local,
		keys:       keys,
		requireKey: cfg.Auth.RequireAPIKey,
		adminKey:   cfg.Auth.AdminKey,
		limiter:    limiter,
		logger:     logger,
		sessions:   make(map[string]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the route table. Exposed separately from Start so
// tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/stream", s.handleStreamSSE)
	mux.HandleFunc("GET /v1/stream/ws", s.handleStreamWS)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /admin/keys", s.requireAdmin(s.handleListKeys))
	mux.HandleFunc("POST /admin/keys", s.requireAdmin(s.handleAddKey))
	mux.HandleFunc("DELETE /admin/keys/{key}", s.requireAdmin(s.handleRevokeKey))

	return s.withLogging(mux)
}

// Start begins serving. It blocks until the server is shut down or
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streaming responses are open-ended.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting gateway", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// withLogging wraps an HTTP handler to log request details.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// authenticate validates the client API key when keys are required. It
// returns the presented key and, on rejection, the error frame to send.
func (s *Server) authenticate(r *http.Request) (string, *WireEvent) {
	key := r.Header.Get(APIKeyHeader)

	if s.requireKey {
		if s.keys == nil {
			ev := errorEvent(CodeAuth, "API keys required but no key store configured")
			return "", &ev
		}
		valid, err := s.keys.Valid(key)
		if err != nil {
			s.logger.Error("key validation failed", "error", err)
			valid = false
		}
		if !valid {
			ev := errorEvent(CodeAuth, "missing or invalid API key")
			return "", &ev
		}
	}

	return key, nil
}

// admit runs key validation then rate-limit admission, in that order.
// It returns the bucket key and, on rejection, the error frame to send.
func (s *Server) admit(r *http.Request) (string, *WireEvent) {
	key, reject := s.authenticate(r)
	if reject != nil {
		return "", reject
	}

	bucket := key
	if bucket == "" {
		bucket = "anonymous"
	}
	if s.limiter != nil && !s.limiter.Allow(bucket) {
		ev := errorEvent(CodeRateLimit, "rate limit exceeded")
		return "", &ev
	}

	return bucket, nil
}

// dispatch forwards the request to the right adapter. The local daemon
// bypasses the hosted-provider router.
func (s *Server) dispatch(ctx context.Context, providerName string, req *provider.Request, sink *stream.Sink) {
	if providerName == provider.Ollama {
		s.local.Stream(ctx, req, sink)
		return
	}
	s.router.Stream(ctx, providerName, req, sink)
}

// handleStreamSSE serves one streaming session over Server-Sent
// Events. Request validation failures are plain 400s; auth and
// rate-limit rejections are structured SSE error events, so streaming
// clients have a single parse path. Client disconnect cancels the
// upstream request via the session token.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEvent(CodeValidation, "invalid request body: "+err.Error()), s.logger)
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEvent(CodeValidation, err.Error()), s.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorEvent(CodeUpstream, "streaming not supported"), s.logger)
		return
	}

	if _, reject := s.admit(r); reject != nil {
		s.writeSSE(w, flusher, *reject)
		return
	}

	sess := &session{
		id:       uuid.NewString(),
		provider: req.Provider,
		model:    req.Model,
		// The request context cancels when the client transport
		// closes, which is exactly the disconnect-as-cancel wiring.
		token: stream.NewToken(r.Context()),
		state: stateAdmitted,
	}
	s.register(sess)
	defer s.unregister(sess.id)

	s.writeSSE(w, flusher, WireEvent{Type: "session", SessionID: sess.id})

	sink := stream.NewSink(func(ev stream.Event) {
		s.writeSSE(w, flusher, toWireEvent(ev))
		if ev.Kind.Terminal() {
			sess.setState(stateForTerminal(ev.Kind))
		}
	}, sess.token)

	sess.setState(stateForwarding)
	s.dispatch(sess.token.Context(), req.Provider, req.toProviderRequest(), sink)

	s.logger.Debug("session finished",
		"session", sess.id,
		"provider", sess.provider,
		"model", sess.model,
		"state", sess.currentState().String(),
	)
}

// handleStreamWS serves one streaming session over a WebSocket. The
// first client frame carries the StreamRequest; afterwards the client
// may send {"type":"cancel"} frames, and closing the socket cancels
// the session. Every stream event goes out as one JSON text frame.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req StreamRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(errorEvent(CodeValidation, "invalid request frame"))
		return
	}
	if err := req.validate(); err != nil {
		_ = conn.WriteJSON(errorEvent(CodeValidation, err.Error()))
		return
	}

	if _, reject := s.admit(r); reject != nil {
		_ = conn.WriteJSON(*reject)
		return
	}

	// The session outlives individual socket reads; cancellation comes
	// from the read loop, not a request context.
	sess := &session{
		id:       uuid.NewString(),
		provider: req.Provider,
		model:    req.Model,
		token:    stream.NewToken(context.Background()),
		state:    stateAdmitted,
	}
	s.register(sess)
	defer s.unregister(sess.id)

	if err := conn.WriteJSON(WireEvent{Type: "session", SessionID: sess.id}); err != nil {
		return
	}

	// Read loop: a close frame or read error means the client went
	// away; an explicit cancel frame requests cancellation by id (for
	// clients multiplexing over a long-lived socket).
	go func() {
		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				sess.token.Cancel()
				return
			}
			if msg.Type == "cancel" {
				if msg.SessionID == "" || msg.SessionID == sess.id {
					sess.token.Cancel()
				} else {
					s.CancelSession(msg.SessionID)
				}
			}
		}
	}()

	sink := stream.NewSink(func(ev stream.Event) {
		if err := conn.WriteJSON(toWireEvent(ev)); err != nil {
			sess.token.Cancel()
		}
		if ev.Kind.Terminal() {
			sess.setState(stateForTerminal(ev.Kind))
		}
	}, sess.token)

	sess.setState(stateForwarding)
	s.dispatch(sess.token.Context(), req.Provider, req.toProviderRequest(), sink)

	s.logger.Debug("session finished",
		"session", sess.id,
		"provider", sess.provider,
		"model", sess.model,
		"state", sess.currentState().String(),
	)
}

// handleCancel cancels an active session by id. This is the escape
// hatch for transports that cannot signal via close. Cancels
// authenticate but skip the rate-limit charge: a client that just
// exhausted its bucket must still be able to stop its in-flight
// session.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, reject := s.authenticate(r); reject != nil {
		writeJSON(w, http.StatusUnauthorized, *reject, s.logger)
		return
	}
	if !s.CancelSession(r.PathValue("id")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
	}, s.logger)
}

// writeSSE serializes one event as a single SSE data line and flushes.
func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev WireEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}
