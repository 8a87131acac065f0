package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/qb-bridge/internal/gateway"
	"github.com/workspace/qb-bridge/internal/jsonrpc"
	"github.com/workspace/qb-bridge/internal/logging"
	"github.com/workspace/qb-bridge/internal/session"
)

const wsWriteWait = 10 * time.Second

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked here.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client.
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks origin against the allowed list. An empty list
// allows every origin. Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	s.logger.Warn("Origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// wsConn is one passthrough socket. Writes are serialized; close is
// idempotent.
type wsConn struct {
	conn      *websocket.Conn
	sessionID string
	logger    *slog.Logger

	writeMu   sync.Mutex
	alive     atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, sessionID string, logger *slog.Logger) *wsConn {
	c := &wsConn{
		conn:      conn,
		sessionID: sessionID,
		logger:    logger,
		closed:    make(chan struct{}),
	}
	c.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// writeFrame forwards a gateway frame verbatim.
func (c *wsConn) writeFrame(f jsonrpc.Frame) {
	if err := c.write(f.Raw); err != nil {
		c.logger.Debug("Socket write failed", "error", err)
		c.close(websocket.CloseAbnormalClosure, "")
	}
}

func (c *wsConn) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return errors.New("socket closed")
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// close sends a close frame with code and reason and tears down the
// connection. CloseAbnormalClosure skips the close frame.
func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != websocket.CloseAbnormalClosure {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		}
		close(c.closed)
		_ = c.conn.Close()
	})
}

// handleWS upgrades the connection and pipes it to a dedicated gateway
// process until either side goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	logger := logging.ForSession(s.logger, sessionID, session.TransportWS)

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.config.WSMaxMessageSize)

	ws := newWSConn(conn, sessionID, logger)
	s.trackSocket(ws)
	defer s.untrackSocket(ws)

	ctx := r.Context()
	proc, err := s.registry.Spawn(ctx, sessionID, func(ctx context.Context) (*gateway.Process, error) {
		return s.startGateway(ctx, sessionID, gateway.WithFrameSink(ws.writeFrame))
	})
	if err != nil {
		logger.Warn("Gateway spawn for socket failed", "error", err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrSessionLimit) {
			code = websocket.CloseTryAgainLater
		}
		ws.close(code, closeReason(err))
		return
	}
	defer s.registry.Remove(sessionID)

	logger.Info("Socket connected", "pid", proc.PID(), "remote", r.RemoteAddr)

	go func() {
		select {
		case <-proc.Terminated():
			logger.Info("Gateway exited, closing socket")
			ws.close(websocket.CloseGoingAway, "gateway exited")
		case <-ws.closed:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Socket read ended", "error", err)
			}
			ws.close(websocket.CloseAbnormalClosure, "")
			logger.Info("Socket disconnected")
			return
		}
		s.registry.Touch(sessionID)

		if !json.Valid(msg) {
			if err := ws.write(jsonrpc.ParseErrorResponse()); err != nil {
				ws.close(websocket.CloseAbnormalClosure, "")
				return
			}
			continue
		}

		if err := proc.WaitReady(ctx); err != nil {
			logger.Warn("Gateway never became ready", "error", err)
			ws.close(websocket.CloseInternalServerErr, "gateway not ready")
			return
		}
		if err := proc.Send(msg); err != nil {
			logger.Warn("Failed to forward frame to gateway", "error", err)
			ws.close(websocket.CloseInternalServerErr, "gateway unavailable")
			return
		}
	}
}

// runLivenessSweep closes sockets that did not answer the previous ping and
// pings the rest.
func (s *Server) runLivenessSweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, ws := range s.socketSnapshot() {
				if !ws.alive.Swap(false) {
					ws.logger.Info("Socket missed ping, closing")
					ws.close(websocket.CloseGoingAway, "ping timeout")
					continue
				}
				if err := ws.ping(); err != nil {
					ws.close(websocket.CloseAbnormalClosure, "")
				}
			}
		}
	}
}

func (s *Server) trackSocket(ws *wsConn) {
	s.socketMu.Lock()
	s.sockets[ws] = struct{}{}
	s.socketMu.Unlock()
}

func (s *Server) untrackSocket(ws *wsConn) {
	s.socketMu.Lock()
	delete(s.sockets, ws)
	s.socketMu.Unlock()
}

func (s *Server) socketSnapshot() []*wsConn {
	s.socketMu.Lock()
	defer s.socketMu.Unlock()
	out := make([]*wsConn, 0, len(s.sockets))
	for ws := range s.sockets {
		out = append(out, ws)
	}
	return out
}

func (s *Server) socketCount() int {
	s.socketMu.Lock()
	defer s.socketMu.Unlock()
	return len(s.sockets)
}

func (s *Server) closeAllSockets() {
	for _, ws := range s.socketSnapshot() {
		ws.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// closeReason trims err to fit a close frame.
func closeReason(err error) string {
	const maxReason = 120
	msg := err.Error()
	if len(msg) > maxReason {
		msg = msg[:maxReason]
	}
	return msg
}
