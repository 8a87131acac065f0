package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/workspace/qb-bridge/internal/auth"
	"github.com/workspace/qb-bridge/internal/persistence"
	"github.com/workspace/qb-bridge/internal/toolresult"
)

type bridgeRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// handleBridge runs one tool call on the session's gateway and returns the
// unwrapped result.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	var req bridgeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "invalid request body")
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "method is required")
		return
	}
	args, ok := decodeArguments(req.Params)
	if !ok {
		writeError(w, http.StatusBadRequest, kindBadRequest, "params must be a JSON object")
		return
	}

	sessionID := s.sessionIDFor(req.SessionID)
	if !s.allowed(r, sessionID) {
		writeError(w, http.StatusForbidden, kindForbidden, "token is not valid for this session")
		return
	}

	started := time.Now()
	status, kind := s.runBridgeCall(w, r, sessionID, req.Method, args)

	s.recordCall(persistence.CallRecord{
		SessionID:  sessionID,
		Tool:       req.Method,
		Status:     status,
		ErrorKind:  kind,
		DurationMs: time.Since(started).Milliseconds(),
		StartedAt:  persistence.Timestamp(started),
	})
}

func (s *Server) runBridgeCall(w http.ResponseWriter, r *http.Request, sessionID, tool string, args map[string]any) (int, string) {
	ctx := r.Context()

	lease, err := s.registry.Acquire(ctx, sessionID)
	if err != nil {
		return writeFailure(w, err)
	}
	proc := lease.Process()

	if err := proc.WaitReady(ctx); err != nil {
		lease.Release()
		return writeFailure(w, err)
	}
	raw, err := proc.CallTool(ctx, tool, args)
	lease.Release()
	if err != nil {
		return writeFailure(w, err)
	}

	value, err := toolresult.Unwrap(raw)
	if err != nil {
		return writeFailure(w, err)
	}

	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": value})
	return http.StatusOK, ""
}

// handleListTools returns the session gateway's tools/list result.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	sessionID := s.sessionIDFor(r.URL.Query().Get("sessionId"))
	if !s.allowed(r, sessionID) {
		writeError(w, http.StatusForbidden, kindForbidden, "token is not valid for this session")
		return
	}

	lease, err := s.registry.Acquire(r.Context(), sessionID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer lease.Release()

	tools, err := lease.Process().ListTools(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) sessionIDFor(requested string) string {
	if requested != "" {
		return requested
	}
	return s.config.DefaultSessionID
}

func (s *Server) allowed(r *http.Request, sessionID string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	return !ok || claims.Allows(sessionID)
}

func (s *Server) recordCall(rec persistence.CallRecord) {
	if s.store == nil {
		return
	}
	if _, err := s.store.RecordCall(rec); err != nil {
		s.logger.Warn("Failed to record call", "sessionId", rec.SessionID, "tool", rec.Tool, "error", err)
	}
}

// decodeArguments accepts an absent or null params value as no arguments.
func decodeArguments(params json.RawMessage) (map[string]any, bool) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, true
	}
	if trimmed[0] != '{' {
		return nil, false
	}
	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, false
	}
	return args, true
}
