package gateway

import (
	"sync"

	"github.com/relayworks/llmrelay/internal/stream"
)

// sessionState tracks a session through its lifecycle. Terminal states
// are absorbing: once reached, no further transition is possible.
type sessionState int

const (
	stateAdmitted sessionState = iota
	stateForwarding
	stateCompleted
	stateErrored
	stateCancelled
)

func (s sessionState) String() string {
	switch s {
	case stateAdmitted:
		return "admitted"
	case stateForwarding:
		return "forwarding"
	case stateCompleted:
		return "completed"
	case stateErrored:
		return "errored"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s sessionState) terminal() bool {
	return s == stateCompleted || s == stateErrored || s == stateCancelled
}

// session is one logical streaming exchange, from admission to a
// terminal event.
type session struct {
	id       string
	provider string
	model    string
	token    *stream.Token

	mu    sync.Mutex
	state sessionState
}

// setState transitions the session. Transitions out of a terminal
// state are ignored.
func (s *session) setState(next sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = next
}

// currentState returns the session state.
func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// stateForTerminal maps a terminal event kind to the session state it
// produces.
func stateForTerminal(k stream.Kind) sessionState {
	switch k {
	case stream.KindEnd:
		return stateCompleted
	case stream.KindCancelled:
		return stateCancelled
	default:
		return stateErrored
	}
}

// register inserts a session into the active table.
func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

// unregister removes a session from the active table. Duplicate
// removals are no-ops.
func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// lookupSession returns the active session with the given id, or nil.
func (s *Server) lookupSession(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// CancelSession cancels the active session with the given id. It
// reports whether such a session existed.
func (s *Server) CancelSession(id string) bool {
	sess := s.lookupSession(id)
	if sess == nil {
		return false
	}
	sess.token.Cancel()
	return true
}

// ActiveSessions returns the number of sessions currently registered.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
