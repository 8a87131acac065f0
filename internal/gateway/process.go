// Package gateway launches and owns the external toolserver subprocess and
// speaks line-delimited JSON-RPC with it over stdio.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/workspace/qb-bridge/internal/jsonrpc"
	"github.com/workspace/qb-bridge/internal/logging"
)

// State is a gateway process's initialization state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateTerminated    State = "terminated"
)

var (
	// ErrSpawn means the subprocess could not be started.
	ErrSpawn = errors.New("gateway spawn failed")

	// ErrNotReady means the process ended or failed its handshake before
	// it could accept calls.
	ErrNotReady = errors.New("gateway not ready")
)

// rapidExitWindow is how soon after start an exit is reported as a likely
// configuration problem.
const rapidExitWindow = 5 * time.Second

// Config describes how to start a gateway process.
type Config struct {
	// Command is the gateway binary (e.g. "npx").
	Command string
	// Args are passed to Command (e.g. ["-y", "mcp-quickbase"]).
	Args []string
	// Env holds KEY=VALUE pairs appended to the bridge's own environment.
	Env []string
	// Dir is the working directory; empty means the bridge's.
	Dir string

	ClientName      string
	ClientVersion   string
	ProtocolVersion string

	// CallTimeout bounds each correlated call.
	CallTimeout time.Duration
	// InitTimeout bounds the initialize handshake.
	InitTimeout time.Duration
	// TerminateGrace is how long to wait after SIGTERM before SIGKILL.
	TerminateGrace time.Duration
	// SweepInterval is how often expired pending requests are swept.
	SweepInterval time.Duration
	// MaxLineSize bounds a partial output line.
	MaxLineSize int
}

func (c Config) withDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = "qb-bridge"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "1.0.0"
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = jsonrpc.DefaultTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	return c
}

// FrameSink receives frames the process's own correlator did not consume.
// It is called from the output reader, so a slow sink slows the gateway.
type FrameSink func(jsonrpc.Frame)

// Option customizes Start.
type Option func(*Process)

// WithFrameSink routes unsolicited frames to sink instead of dropping them.
func WithFrameSink(sink FrameSink) Option {
	return func(p *Process) { p.sink = sink }
}

// WithSessionID tags the process's logs with the owning session.
func WithSessionID(id string) Option {
	return func(p *Process) { p.sessionID = id }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) { p.logger = logger }
}

// Process is one running gateway. Its stdin and stdout are owned by the
// process's correlator; callers go through Call, CallTool, or Send.
type Process struct {
	cfg       Config
	sessionID string
	logger    *slog.Logger
	sink      FrameSink

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writeMu   sync.Mutex
	rpc       *jsonrpc.Correlator
	startedAt time.Time

	mu            sync.Mutex
	state         State
	initErr       error
	stopRequested bool
	ready         chan struct{}
	terminated    chan struct{}
	done          chan struct{}
	exitErr       error

	stopOnce    sync.Once
	cancelSweep context.CancelFunc
}

// Start spawns the gateway and begins the initialize handshake without
// waiting for it. Use WaitReady before issuing calls.
func Start(ctx context.Context, cfg Config, opts ...Option) (*Process, error) {
	cfg = cfg.withDefaults()
	p := &Process{
		cfg:        cfg,
		state:      StateUninitialized,
		ready:      make(chan struct{}),
		terminated: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "start gateway"), ErrSpawn)
	}
	if cfg.Command == "" {
		return nil, errors.Mark(errors.New("gateway command is empty"), ErrSpawn)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "create stdin pipe"), ErrSpawn)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Mark(errors.Wrap(err, "create stdout pipe"), ErrSpawn)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, errors.Mark(errors.Wrap(err, "create stderr pipe"), ErrSpawn)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, errors.Mark(errors.Wrapf(err, "start gateway %q", cfg.Command), ErrSpawn)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.startedAt = time.Now()
	p.logger = logging.ForProcess(p.logger, p.sessionID, cmd.Process.Pid)
	p.rpc = jsonrpc.NewCorrelator(p.writeLine, cfg.CallTimeout, p.logger)
	p.setState(StateInitializing)

	p.logger.Info("Gateway process started", "command", cfg.Command, "args", cfg.Args)

	sweepCtx, cancel := context.WithCancel(context.Background())
	p.cancelSweep = cancel
	go p.rpc.RunSweeper(sweepCtx, cfg.SweepInterval)
	go p.supervise(stdout, stderr)
	go p.initialize()

	return p, nil
}

// supervise reads frames until stdout closes, then reaps the process.
func (p *Process) supervise(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.monitorStderr(stderr)
	}()

	dec := jsonrpc.NewDecoder(p.logger)
	dec.SetMaxLineSize(p.cfg.MaxLineSize)
	readErr := jsonrpc.ReadFrames(stdout, dec, p.handleFrame)

	cause := errors.New("gateway output closed")
	if readErr != nil {
		cause = errors.Wrap(readErr, "read gateway output")
	}
	p.shutdown(cause)

	wg.Wait()
	waitErr := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = waitErr
	p.mu.Unlock()

	uptime := time.Since(p.startedAt)
	switch {
	case waitErr != nil && uptime < rapidExitWindow && !p.requestedStop():
		p.logger.Error("Gateway exited shortly after start; check its command and credentials",
			"error", waitErr, "uptime", uptime.String())
	case waitErr != nil && !p.requestedStop():
		p.logger.Warn("Gateway process exited", "error", waitErr, "uptime", uptime.String())
	default:
		p.logger.Info("Gateway process stopped", "uptime", uptime.String())
	}
	close(p.done)
}

func (p *Process) monitorStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("Gateway stderr", "line", scanner.Text())
	}
	// Keep draining after an overlong line so the child never blocks on stderr.
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) handleFrame(f jsonrpc.Frame) {
	if p.rpc.Dispatch(f) {
		return
	}
	if p.sink != nil {
		p.sink(f)
		return
	}
	if f.Method == MethodPing && f.HasID() {
		p.answerPing(f)
		return
	}
	p.logger.Debug("Dropping unsolicited gateway frame", "method", f.Method, "id", string(f.ID))
}

// answerPing replies to a server-initiated ping when no client is attached.
func (p *Process) answerPing(f jsonrpc.Frame) {
	line, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  struct{}        `json:"result"`
	}{JSONRPC: jsonrpc.Version, ID: f.ID})
	if err := p.writeLine(append(line, '\n')); err != nil {
		p.logger.Debug("Failed to answer gateway ping", "error", err)
	}
}

func (p *Process) writeLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(line)
	return err
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) markReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateInitializing {
		return
	}
	p.state = StateReady
	close(p.ready)
}

// shutdown stops the process without waiting for it to exit. Only the first
// call has any effect.
func (p *Process) shutdown(cause error) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.state = StateTerminated
		p.mu.Unlock()
		close(p.terminated)

		p.cancelSweep()
		p.rpc.Close(cause)
		_ = p.stdin.Close()
		if err := signalTerminate(p.cmd); err != nil {
			p.logger.Debug("Terminate signal failed", "error", err)
		}
		go p.escalate()
	})
}

func (p *Process) escalate() {
	timer := time.NewTimer(p.cfg.TerminateGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("Gateway ignored SIGTERM, killing", "grace", p.cfg.TerminateGrace.String())
		if err := signalKill(p.cmd); err != nil {
			p.logger.Debug("Kill failed", "error", err)
		}
	}
}

var errTerminated = errors.New("gateway terminated")

func (p *Process) markStopRequested() {
	p.mu.Lock()
	p.stopRequested = true
	p.mu.Unlock()
}

func (p *Process) requestedStop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

// Terminate stops the process and waits for it to exit. Pending calls are
// rejected with a connection-closed error. It is safe to call repeatedly.
func (p *Process) Terminate() error {
	p.markStopRequested()
	p.shutdown(errTerminated)
	<-p.done
	return nil
}

// WaitReady blocks until the handshake completes, the process ends, or ctx
// is done.
func (p *Process) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	default:
	}
	select {
	case <-p.ready:
		return nil
	case <-p.terminated:
		p.mu.Lock()
		initErr := p.initErr
		p.mu.Unlock()
		if initErr != nil {
			return errors.Mark(errors.Wrap(initErr, "gateway did not initialize"), ErrNotReady)
		}
		return errors.Mark(errors.Wrap(jsonrpc.ErrConnectionClosed, "gateway exited before ready"), ErrNotReady)
	case <-ctx.Done():
		return errors.Mark(errors.Wrap(ctx.Err(), "wait for gateway ready"), ErrNotReady)
	}
}

// Call issues a correlated request once the process is ready.
func (p *Process) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := p.WaitReady(ctx); err != nil {
		return nil, err
	}
	return p.rpc.Call(ctx, method, params, 0)
}

// Send writes a client-originated frame to the gateway. The frame is
// compacted onto one line; its content is otherwise unchanged.
func (p *Process) Send(raw []byte) error {
	select {
	case <-p.terminated:
		return jsonrpc.ErrConnectionClosed
	default:
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return errors.Wrap(err, "compact frame")
	}
	buf.WriteByte('\n')
	if err := p.writeLine(buf.Bytes()); err != nil {
		return errors.Mark(errors.Wrap(err, "write frame"), jsonrpc.ErrConnectionClosed)
	}
	return nil
}

// State returns the current initialization state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ready is closed once the handshake completes.
func (p *Process) Ready() <-chan struct{} { return p.ready }

// Terminated is closed once the process stops serving requests: its output
// closed, the handshake failed, or Terminate was called. The OS process may
// still be exiting.
func (p *Process) Terminated() <-chan struct{} { return p.terminated }

// Done is closed after the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the process's exit error once Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// SessionID returns the owning session id, if one was given.
func (p *Process) SessionID() string { return p.sessionID }

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Pending returns the requests currently awaiting a response.
func (p *Process) Pending() []jsonrpc.PendingInfo { return p.rpc.Pending() }
