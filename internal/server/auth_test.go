package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/qb-bridge/internal/auth"
	"github.com/workspace/qb-bridge/internal/gateway"
	"github.com/workspace/qb-bridge/internal/jsonrpc"
	"github.com/workspace/qb-bridge/internal/session"
	"github.com/workspace/qb-bridge/internal/toolresult"
)

const testAuthSecret = "server-test-secret-0123456789abcdef"

func signToken(t *testing.T, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scope: scope,
	})
	s, err := token.SignedString([]byte(testAuthSecret))
	require.NoError(t, err)
	return s
}

func newAuthServer(t *testing.T) *testServer {
	t.Helper()
	v, err := auth.NewJWTValidator(context.Background(), auth.Config{Secret: testAuthSecret})
	require.NoError(t, err)
	return newTestServer(t, scriptedGateway(), nil, WithValidator(v))
}

func TestBridgeRequiresToken(t *testing.T) {
	s := newAuthServer(t)

	status, resp := s.post(t, `{"method":"echo"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, kindUnauthorized, resp.Error.Kind)

	status, _ = s.post(t, `{"method":"echo"}`, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, resp = s.post(t, `{"method":"echo"}`, "Authorization", "Bearer "+signToken(t, "other"))
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, kindForbidden, resp.Error.Kind)

	status, _ = s.post(t, `{"method":"echo"}`, "Authorization", "Bearer "+signToken(t, "default"))
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.post(t, `{"method":"echo","sessionId":"any"}`, "Authorization", "Bearer "+signToken(t, ""))
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthSkipsAuth(t *testing.T) {
	s := newAuthServer(t)
	assert.Equal(t, http.StatusOK, s.getJSON(t, "/health", nil))
	assert.Equal(t, http.StatusUnauthorized, s.getJSON(t, "/sessions", nil))
}

func TestWSTokenFromQuery(t *testing.T) {
	s := newAuthServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL()+"?token="+signToken(t, ""), nil)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"session limit", errors.Wrap(session.ErrSessionLimit, "max 1"), http.StatusServiceUnavailable, kindSessionLimit},
		{"registry closed", session.ErrClosed, http.StatusServiceUnavailable, kindShuttingDown},
		{"spawn", errors.Mark(errors.New("exec: not found"), gateway.ErrSpawn), http.StatusBadGateway, kindSpawnFailed},
		{"not ready", errors.Mark(errors.New("init failed"), gateway.ErrNotReady), http.StatusBadGateway, kindNotReady},
		{"timeout", jsonrpc.ErrTimeout, http.StatusGatewayTimeout, kindTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, kindTimeout},
		{"tool error", errors.Mark(errors.New("Invalid table"), toolresult.ErrToolFailed), http.StatusUnprocessableEntity, kindToolError},
		{"malformed", toolresult.ErrEnvelopeMalformed, http.StatusUnprocessableEntity, kindMalformedResult},
		{"remote", jsonrpc.ErrRemote, http.StatusBadGateway, kindRemoteError},
		{"closed", jsonrpc.ErrConnectionClosed, http.StatusBadGateway, kindConnectionClosed},
		{"other", errors.New("boom"), http.StatusInternalServerError, kindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}
