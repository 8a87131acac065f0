// Package wsclient keeps a WebSocket connection to the bridge alive and
// issues tool calls over it.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/workspace/qb-bridge/internal/jsonrpc"
)

// State is the connection state of a Supervisor.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateReconnecting   State = "reconnecting"
	StateFailed         State = "failed"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5

	writeWait = 10 * time.Second
)

var (
	// ErrSuperseded is returned by a Connect that was torn down by a later
	// Connect or Disconnect before it finished.
	ErrSuperseded = errors.New("connect superseded")

	// ErrMaxAttempts is the failure recorded once reconnection gives up.
	ErrMaxAttempts = errors.New("max reconnection attempts reached")
)

// Status is a snapshot delivered to subscribers on every transition.
type Status struct {
	State         State
	Attempts      int
	LastConnected time.Time
	// NextDelay is the wait before the next attempt while reconnecting.
	NextDelay time.Duration
	Err       error
}

// Config configures a Supervisor.
type Config struct {
	// URL is the bridge socket endpoint, e.g. ws://localhost:3003/ws.
	URL   string
	Token string
	// Header is sent with every handshake.
	Header http.Header

	DialTimeout time.Duration
	BaseDelay   time.Duration
	MaxAttempts int
	CallTimeout time.Duration

	// OnFrame receives frames that are not responses to this client's
	// requests, such as server notifications.
	OnFrame func(jsonrpc.Frame)

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Supervisor owns one logical connection and re-establishes it after an
// unclean close, backing off exponentially until MaxAttempts is reached.
//
// Every operation that starts or abandons a connection bumps a generation
// counter; callbacks from an older generation are ignored.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	// notifyMu serializes transitions so subscribers see them in order.
	notifyMu sync.Mutex

	mu            sync.Mutex
	gen           uint64
	state         State
	attempts      int
	lastConnected time.Time
	nextDelay     time.Duration
	lastErr       error
	backoff       *backoff.ExponentialBackOff
	dialCancel    context.CancelFunc
	retryTimer    *time.Timer
	conn          *websocket.Conn
	rpc           *jsonrpc.Correlator
	subs          map[int]func(Status)
	nextSub       int
}

// New returns a disconnected Supervisor.
func New(cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With("url", cfg.URL),
		state:  StateDisconnected,
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     cfg.BaseDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         cfg.BaseDelay << cfg.MaxAttempts,
		},
		subs: make(map[int]func(Status)),
	}
}

// Subscribe registers fn for every transition and returns a function that
// removes it. fn runs synchronously and must not call Connect or
// Disconnect.
func (s *Supervisor) Subscribe(fn func(Status)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	return Status{
		State:         s.state,
		Attempts:      s.attempts,
		LastConnected: s.lastConnected,
		NextDelay:     s.nextDelay,
		Err:           s.lastErr,
	}
}

// transition runs fn under the lock when gen is still current, then
// notifies subscribers. It reports whether fn ran.
func (s *Supervisor) transition(gen uint64, fn func()) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	fn()
	st := s.statusLocked()
	subs := make([]func(Status), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	s.logger.Debug("Connection state changed", "state", st.State, "attempts", st.Attempts)
	for _, fn := range subs {
		fn(st)
	}
	return true
}

// Connect dials the bridge. A connect or reconnect already in progress is
// torn down first. Dial failure leaves the supervisor failed.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.teardownLocked(errors.New("reconnecting"))
	s.attempts = 0
	s.nextDelay = 0
	s.backoff.Reset()
	s.mu.Unlock()

	return s.dial(ctx, gen, false)
}

// Disconnect closes the connection cleanly. No reconnect follows.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.transition(gen, func() {
		s.teardownLocked(errors.New("disconnected"))
		s.state = StateDisconnected
		s.attempts = 0
		s.nextDelay = 0
		s.lastErr = nil
		s.backoff.Reset()
	})
	s.logger.Info("Disconnected")
}

// teardownLocked cancels any pending dial or retry and closes the current
// socket with a normal close frame.
func (s *Supervisor) teardownLocked(cause error) {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.rpc != nil {
		s.rpc.Close(cause)
		s.rpc = nil
	}
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Supervisor) dial(ctx context.Context, gen uint64, retrying bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	target, err := s.target()
	if err != nil {
		s.transition(gen, func() {
			s.state = StateFailed
			s.lastErr = err
		})
		return err
	}

	ok := s.transition(gen, func() {
		s.dialCancel = cancel
		s.state = StateConnecting
	})
	if !ok {
		return ErrSuperseded
	}
	if s.cfg.Token != "" {
		s.transition(gen, func() { s.state = StateAuthenticating })
	}

	conn, resp, err := s.cfg.Dialer.DialContext(dialCtx, target, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "handshake status %d", resp.StatusCode)
		}
		err = errors.Wrap(err, "dial bridge")
	}

	var rpc *jsonrpc.Correlator
	ok = s.transition(gen, func() {
		s.dialCancel = nil
		if err != nil {
			if retrying {
				s.scheduleLocked(gen, err)
				return
			}
			s.state = StateFailed
			s.lastErr = err
			return
		}
		rpc = jsonrpc.NewCorrelator(connSender(conn), s.cfg.CallTimeout, s.logger)
		s.conn = conn
		s.rpc = rpc
		s.attempts = 0
		s.nextDelay = 0
		s.lastErr = nil
		s.backoff.Reset()
		s.lastConnected = time.Now()
		s.state = StateReady
	})
	if !ok {
		if conn != nil {
			_ = conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		s.logger.Warn("Connect failed", "error", err, "retrying", retrying)
		return err
	}

	s.logger.Info("Connected")
	go s.readPump(gen, conn, rpc)
	return nil
}

func (s *Supervisor) target() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", errors.Wrap(err, "parse bridge url")
	}
	if s.cfg.Token != "" {
		q := u.Query()
		q.Set("token", s.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// scheduleLocked arms the next reconnect attempt or gives up.
func (s *Supervisor) scheduleLocked(gen uint64, cause error) {
	if s.attempts >= s.cfg.MaxAttempts {
		s.state = StateFailed
		s.nextDelay = 0
		s.lastErr = errors.Mark(errors.Wrap(cause, "max reconnection attempts reached"), ErrMaxAttempts)
		return
	}
	delay := s.backoff.NextBackOff()
	s.attempts++
	s.nextDelay = delay
	s.lastErr = cause
	s.state = StateReconnecting
	s.retryTimer = time.AfterFunc(delay, func() {
		_ = s.dial(context.Background(), gen, true)
	})
}

func (s *Supervisor) readPump(gen uint64, conn *websocket.Conn, rpc *jsonrpc.Correlator) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.lost(gen, conn, err)
			return
		}
		f, err := jsonrpc.ParseFrame(msg)
		if err != nil {
			s.logger.Debug("Discarding non-JSON message", "error", err)
			continue
		}
		if rpc.Dispatch(f) {
			continue
		}
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(f)
		}
	}
}

// lost handles the end of a ready connection. A normal close from the
// server ends in disconnected; anything else starts reconnecting.
func (s *Supervisor) lost(gen uint64, conn *websocket.Conn, err error) {
	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	s.transition(gen, func() {
		if s.conn != conn {
			return
		}
		s.rpc.Close(err)
		s.rpc = nil
		_ = s.conn.Close()
		s.conn = nil
		if clean {
			s.state = StateDisconnected
			s.lastErr = nil
			return
		}
		s.scheduleLocked(gen, errors.Wrap(err, "connection lost"))
	})
	if clean {
		s.logger.Info("Server closed the connection")
	} else {
		s.logger.Warn("Connection lost", "error", err)
	}
}

// Call sends a request over the current connection.
func (s *Supervisor) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	rpc := s.rpc
	state := s.state
	s.mu.Unlock()
	if rpc == nil || state != StateReady {
		return nil, errors.Mark(errors.Newf("not connected (%s)", state), jsonrpc.ErrConnectionClosed)
	}
	return rpc.Call(ctx, method, params, 0)
}

func connSender(conn *websocket.Conn) jsonrpc.Sender {
	var mu sync.Mutex
	return func(line []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(line, "\n"))
	}
}
