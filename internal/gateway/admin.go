package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// requireAdmin guards the key-management endpoints. The admin secret
// is separate from client API keys; a missing or mismatched header
// yields an authorization failure and no key data. An empty configured
// secret disables the endpoints entirely.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" || s.keys == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		got := r.Header.Get(AdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorEvent(CodeAuth, "missing or invalid admin key"), s.logger)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List()
	if err != nil {
		s.logger.Error("list keys failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorEvent(CodeUpstream, "key store unavailable"), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys}, s.logger)
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if r.Body != nil {
		// Label is optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	key, err := s.keys.Generate(body.Label)
	if err != nil {
		s.logger.Error("generate key failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorEvent(CodeUpstream, "key store unavailable"), s.logger)
		return
	}
	writeJSON(w, http.StatusCreated, key, s.logger)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	found, err := s.keys.Revoke(r.PathValue("key"))
	if err != nil {
		s.logger.Error("revoke key failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorEvent(CodeUpstream, "key store unavailable"), s.logger)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
