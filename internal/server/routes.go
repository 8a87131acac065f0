package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/workspace/qb-bridge/internal/gateway"
	"github.com/workspace/qb-bridge/internal/jsonrpc"
	"github.com/workspace/qb-bridge/internal/session"
	"github.com/workspace/qb-bridge/internal/toolresult"
)

// Error kinds reported in {"error": {"kind": ...}}.
const (
	kindBadRequest       = "bad_request"
	kindUnauthorized     = "unauthorized"
	kindForbidden        = "forbidden"
	kindNotFound         = "not_found"
	kindSessionLimit     = "session_limit"
	kindShuttingDown     = "shutting_down"
	kindSpawnFailed      = "spawn_failed"
	kindNotReady         = "not_ready"
	kindTimeout          = "timeout"
	kindConnectionClosed = "connection_closed"
	kindRemoteError      = "remote_error"
	kindToolError        = "tool_error"
	kindMalformedResult  = "malformed_result"
	kindCancelled        = "cancelled"
	kindInternal         = "internal"
)

type errorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Code    int    `json:"code,omitempty"`
}

// classify maps a bridge failure to an HTTP status and error kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusServiceUnavailable, kindSessionLimit
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, kindShuttingDown
	case errors.Is(err, gateway.ErrSpawn):
		return http.StatusBadGateway, kindSpawnFailed
	case errors.Is(err, gateway.ErrNotReady):
		return http.StatusBadGateway, kindNotReady
	case jsonrpc.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, kindTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, kindCancelled
	case errors.Is(err, toolresult.ErrToolFailed):
		return http.StatusUnprocessableEntity, kindToolError
	case errors.Is(err, toolresult.ErrEnvelopeMalformed):
		return http.StatusUnprocessableEntity, kindMalformedResult
	case errors.Is(err, jsonrpc.ErrRemote):
		return http.StatusBadGateway, kindRemoteError
	case jsonrpc.IsConnectionClosed(err):
		return http.StatusBadGateway, kindConnectionClosed
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

// writeFailure classifies err and writes the error body.
func writeFailure(w http.ResponseWriter, err error) (int, string) {
	status, kind := classify(err)
	body := errorBody{Message: err.Error(), Kind: kind}
	if rpcErr, ok := jsonrpc.RemoteError(err); ok {
		body.Message = rpcErr.Message
		body.Code = rpcErr.Code
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
	return status, kind
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.registry.Len(),
		"sockets":  s.socketCount(),
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Message: message, Kind: kind},
	})
}
