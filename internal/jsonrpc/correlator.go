package jsonrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultTimeout is used when Call is given a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// Sender writes one newline-terminated envelope to the peer.
type Sender func(line []byte) error

// Correlator matches responses to outstanding requests for one peer.
// Ids start at 1 and are never reused, so a late response for an abandoned
// request can never be mistaken for a newer one.
type Correlator struct {
	send    Sender
	timeout time.Duration
	logger  *slog.Logger

	// writeMu keeps id allocation and the write in the same order.
	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*pendingCall
	closed   bool
	closeErr error
}

type pendingCall struct {
	id       int64
	method   string
	params   any
	issuedAt time.Time
	deadline time.Time
	timeout  time.Duration
	done     chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// PendingInfo describes an outstanding request.
type PendingInfo struct {
	ID       int64
	Method   string
	IssuedAt time.Time
	Deadline time.Time
}

// NewCorrelator returns a correlator writing through send. A non-positive
// timeout selects DefaultTimeout.
func NewCorrelator(send Sender, timeout time.Duration, logger *slog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		send:    send,
		timeout: timeout,
		logger:  logger,
		pending: make(map[int64]*pendingCall),
	}
}

// Call writes a request and waits for its response, the timeout, or ctx.
// A non-positive timeout uses the correlator default.
func (c *Correlator) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.writeMu.Lock()
	call, err := c.register(method, params, timeout)
	if err != nil {
		c.writeMu.Unlock()
		return nil, err
	}
	line, err := json.Marshal(Request{JSONRPC: Version, ID: call.id, Method: method, Params: params})
	if err != nil {
		c.writeMu.Unlock()
		c.forget(call.id)
		return nil, errors.Wrapf(err, "encode %s request", method)
	}
	err = c.send(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		if c.forget(call.id) {
			return nil, errors.Mark(errors.Wrapf(err, "write %s request %d", method, call.id), ErrConnectionClosed)
		}
		res := <-call.done
		return res.result, res.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-timer.C:
		if c.forget(call.id) {
			return nil, timeoutError(call)
		}
	case <-ctx.Done():
		if c.forget(call.id) {
			return nil, errors.Wrapf(ctx.Err(), "%s request %d", method, call.id)
		}
	}
	// Another path removed the entry first and owns delivery.
	res := <-call.done
	return res.result, res.err
}

// Notify writes a notification. Notifications are never correlated.
func (c *Correlator) Notify(method string, params any) error {
	c.mu.Lock()
	closed, closeErr := c.closed, c.closeErr
	c.mu.Unlock()
	if closed {
		return closeErr
	}

	line, err := json.Marshal(Notification{JSONRPC: Version, Method: method, Params: params})
	if err != nil {
		return errors.Wrapf(err, "encode %s notification", method)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.send(append(line, '\n')); err != nil {
		return errors.Mark(errors.Wrapf(err, "write %s notification", method), ErrConnectionClosed)
	}
	return nil
}

func (c *Correlator) register(method string, params any, timeout time.Duration) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closeErr
	}
	c.nextID++
	now := time.Now()
	call := &pendingCall{
		id:       c.nextID,
		method:   method,
		params:   params,
		issuedAt: now,
		deadline: now.Add(timeout),
		timeout:  timeout,
		done:     make(chan callResult, 1),
	}
	c.pending[call.id] = call
	return call, nil
}

// forget removes id and reports whether the caller now owns delivery.
func (c *Correlator) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Dispatch resolves the pending request matching f. It returns false when f
// is not a response or no request with its id is outstanding; such frames
// are the caller's to forward or drop.
func (c *Correlator) Dispatch(f Frame) bool {
	if !f.IsResponse() {
		return false
	}
	id, ok := f.IntID()
	if !ok {
		return false
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("No pending request for response", "id", id)
		return false
	}

	if f.Error != nil {
		call.done <- callResult{err: errors.Mark(f.Error, ErrRemote)}
		return true
	}
	result := f.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	call.done <- callResult{result: result}
	return true
}

// Sweep rejects every request whose deadline is before now and returns how
// many were removed.
func (c *Correlator) Sweep(now time.Time) int {
	c.mu.Lock()
	var expired []*pendingCall
	for id, call := range c.pending {
		if call.deadline.Before(now) {
			delete(c.pending, id)
			expired = append(expired, call)
		}
	}
	c.mu.Unlock()

	for _, call := range expired {
		call.done <- callResult{err: timeoutError(call)}
	}
	if len(expired) > 0 {
		c.logger.Debug("Swept expired requests", "count", len(expired))
	}
	return len(expired)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Correlator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Close rejects every pending request with a connection-closed error and
// fails all later calls. cause, if non-nil, is wrapped into that error.
// Close is idempotent; only the first cause is kept.
func (c *Correlator) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = closedError(cause)
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		delete(c.pending, id)
		calls = append(calls, call)
	}
	err := c.closeErr
	c.mu.Unlock()

	for _, call := range calls {
		call.done <- callResult{err: err}
	}
	if len(calls) > 0 {
		c.logger.Debug("Rejected pending requests on close", "count", len(calls))
	}
}

// Closed reports whether Close has been called.
func (c *Correlator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending returns a snapshot of outstanding requests.
func (c *Correlator) Pending() []PendingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingInfo, 0, len(c.pending))
	for _, call := range c.pending {
		out = append(out, PendingInfo{
			ID:       call.id,
			Method:   call.method,
			IssuedAt: call.issuedAt,
			Deadline: call.deadline,
		})
	}
	return out
}

// LastID returns the most recently allocated id, or 0.
func (c *Correlator) LastID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}

func timeoutError(call *pendingCall) error {
	return errors.Mark(
		errors.Newf("%s request %d timed out after %s", call.method, call.id, call.timeout),
		ErrTimeout,
	)
}
