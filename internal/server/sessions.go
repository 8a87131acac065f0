package server

import (
	"net/http"
	"strconv"

	"github.com/workspace/qb-bridge/internal/persistence"
	"github.com/workspace/qb-bridge/internal/session"
)

type sessionsResponse struct {
	Sessions []session.Info             `json:"sessions"`
	History  []persistence.SessionRecord `json:"history,omitempty"`
}

// handleListSessions lists live sessions and, when history is enabled, the
// most recent process lifetimes.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionsResponse{Sessions: s.registry.List()}
	if s.store != nil {
		history, err := s.store.ListSessions(queryLimit(r))
		if err != nil {
			s.logger.Error("Failed to list session history", "error", err)
			writeError(w, http.StatusInternalServerError, kindInternal, "failed to list session history")
			return
		}
		resp.History = history
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListCalls lists the recorded calls of one session.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if !s.allowed(r, sessionID) {
		writeError(w, http.StatusForbidden, kindForbidden, "token is not valid for this session")
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"calls": []persistence.CallRecord{}})
		return
	}

	calls, err := s.store.ListCalls(sessionID, queryLimit(r))
	if err != nil {
		s.logger.Error("Failed to list calls", "sessionId", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, kindInternal, "failed to list calls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"calls": calls})
}

// handleDeleteSession terminates a session's gateway process.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if !s.allowed(r, sessionID) {
		writeError(w, http.StatusForbidden, kindForbidden, "token is not valid for this session")
		return
	}
	if !s.registry.Remove(sessionID) {
		writeError(w, http.StatusNotFound, kindNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return 100
	}
	return n
}
