package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/qb-bridge/internal/config"
)

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
}

func (s *testServer) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wsFrame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wsFrame
	require.NoError(t, json.Unmarshal(msg, &f), "frame: %s", msg)
	return f
}

func TestWSPassthrough(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), nil)
	conn := s.dial(t, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"a":1}}}`)))

	f := readFrame(t, conn)
	assert.Equal(t, "7", string(f.ID))
	assert.Nil(t, f.Error)
	assert.Contains(t, string(f.Result), `\"a\":1`)

	infos := s.registry.List()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Pinned)
	assert.Equal(t, "ws", infos[0].Transport)
}

func TestWSForwardsNotifications(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), nil)
	conn := s.dial(t, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"notify"}}`)))

	first := readFrame(t, conn)
	assert.Equal(t, "notifications/message", first.Method)
	second := readFrame(t, conn)
	assert.Equal(t, "1", string(second.ID))
}

func TestWSMalformedJSONKeepsSocketOpen(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), nil)
	conn := s.dial(t, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	f := readFrame(t, conn)
	assert.Equal(t, "null", string(f.ID))
	require.NotNil(t, f.Error)
	assert.Equal(t, -32700, f.Error.Code)
	assert.Equal(t, "Parse error", f.Error.Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)))
	f = readFrame(t, conn)
	assert.Equal(t, "2", string(f.ID))
	assert.Contains(t, string(f.Result), "echo")
}

func TestWSSocketsGetDistinctProcesses(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), nil)
	s.dial(t, nil)
	s.dial(t, nil)

	require.Eventually(t, func() bool { return s.registry.Len() == 2 }, 10*time.Second, 10*time.Millisecond)
	infos := s.registry.List()
	assert.NotEqual(t, infos[0].ID, infos[1].ID)
	assert.NotEqual(t, infos[0].PID, infos[1].PID)
}

func TestWSCloseTerminatesProcess(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), nil)
	conn := s.dial(t, nil)

	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, 10*time.Second, 10*time.Millisecond)
	proc, ok := s.registry.Get(s.registry.List()[0].ID)
	require.True(t, ok)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("gateway not terminated after socket close")
	}
	require.Eventually(t, func() bool { return s.registry.Len() == 0 && s.socketCount() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestWSGatewayExitClosesSocket(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), nil)
	conn := s.dial(t, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"crash"}}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)
}

func TestWSSessionLimitClosesWithTryAgainLater(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), func(c *config.Config) { c.MaxSessions = 1 })
	s.dial(t, nil)
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, 10*time.Second, 10*time.Millisecond)

	second := s.dial(t, nil)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "err = %v", err)
}

func TestWSLivenessSweepClosesSilentSockets(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), nil)
	go s.runLivenessSweep(50 * time.Millisecond)

	// The client never reads, so pings go unanswered.
	s.dial(t, nil)
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return s.socketCount() == 0 && s.registry.Len() == 0 },
		10*time.Second, 20*time.Millisecond)
}

func TestWSLivenessSweepKeepsResponsiveSockets(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), nil)
	go s.runLivenessSweep(100 * time.Millisecond)

	conn := s.dial(t, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Reading processes pings and answers them with pongs.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, s.socketCount())
	conn.Close()
	<-done
}

func TestWSOriginRejected(t *testing.T) {
	s := newTestServer(t, scriptedGateway(), func(c *config.Config) {
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	header := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, s.registry.Len())

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	s.dial(t, header)
}

func TestMatchWildcardOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://app.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"http://app.example.com", "https://*.example.com", false},
		{"https://evil.com/.example.com", "https://*.example.com", false},
		{"https://app.example.com", "https://app.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin+"|"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchWildcardOrigin(tt.origin, tt.pattern))
		})
	}
}
