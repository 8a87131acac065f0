// Package session maps session ids to gateway processes and expires idle
// ones.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// DefaultIdleTimeout is how long an unused session keeps its process.
const DefaultIdleTimeout = 5 * time.Minute

var (
	// ErrSessionLimit means the registry is at its process cap.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrSessionExists means a live process is already registered for the id.
	ErrSessionExists = errors.New("session already exists")
	// ErrClosed means the registry has been shut down.
	ErrClosed = errors.New("session registry closed")
)

// Process is what the registry needs from a gateway process. Terminated is
// closed as soon as the process stops serving requests; Done is closed once
// it has been reaped.
type Process interface {
	Terminated() <-chan struct{}
	Done() <-chan struct{}
	Terminate() error
	PID() int
}

// Spawner starts a process for a session.
type Spawner[P Process] func(ctx context.Context, sessionID string) (P, error)

// Reason says why a session ended.
type Reason string

const (
	ReasonExpired  Reason = "expired"
	ReasonExited   Reason = "exited"
	ReasonRemoved  Reason = "removed"
	ReasonShutdown Reason = "shutdown"
)

// Transport labels how a session is used.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
)

// Info is a snapshot of one session.
type Info struct {
	ID             string    `json:"sessionId"`
	InstanceID     string    `json:"instanceId"`
	Transport      string    `json:"transport"`
	PID            int       `json:"pid"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Calls          int64     `json:"calls"`
	InFlight       int       `json:"inFlight"`
	Pinned         bool      `json:"pinned"`
}

// Hooks observe session lifecycle. They run outside registry locks and may
// be nil.
type Hooks struct {
	OnCreate func(Info)
	OnExpire func(Info)
	OnRemove func(Info, Reason)
}

// Config tunes a Registry.
type Config struct {
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration
	// MaxSessions caps live processes; 0 means unlimited.
	MaxSessions int
	Hooks       Hooks
	Logger      *slog.Logger
}

type entry[P Process] struct {
	info     Info
	proc     P
	timer    *time.Timer
	timerID  uint64
	inFlight int
	reason   Reason
	final    sync.Once
	slot     sync.Once
}

// Registry owns the session id to process mapping. It is the only place a
// process's lifetime is decided.
type Registry[P Process] struct {
	cfg    Config
	spawn  Spawner[P]
	logger *slog.Logger
	sem    *semaphore.Weighted
	group  singleflight.Group

	mu          sync.Mutex
	entries     map[string]*entry[P]
	nextTimerID uint64
	closed      bool
}

// NewRegistry returns a registry that starts processes with spawn.
func NewRegistry[P Process](cfg Config, spawn Spawner[P]) *Registry[P] {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry[P]{
		cfg:     cfg,
		spawn:   spawn,
		logger:  cfg.Logger,
		entries: make(map[string]*entry[P]),
	}
	if cfg.MaxSessions > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return r
}

// Lease is one caller's use of a session's process. Release must be called
// when the call is finished.
type Lease[P Process] struct {
	r    *Registry[P]
	e    *entry[P]
	once sync.Once
}

// Process returns the leased process.
func (l *Lease[P]) Process() P { return l.e.proc }

// SessionID returns the leased session's id.
func (l *Lease[P]) SessionID() string { return l.e.info.ID }

// Release ends the lease and re-arms the idle timer once no calls remain.
func (l *Lease[P]) Release() {
	l.once.Do(func() { l.r.end(l.e) })
}

// Acquire returns a lease on the session's live process, spawning one if
// needed. Concurrent first calls for the same id share a single spawn.
func (r *Registry[P]) Acquire(ctx context.Context, sessionID string) (*Lease[P], error) {
	for attempt := 0; attempt < 3; attempt++ {
		if l := r.begin(sessionID); l != nil {
			return l, nil
		}
		_, err, _ := r.group.Do(sessionID, func() (any, error) {
			if r.live(sessionID) {
				return nil, nil
			}
			_, err := r.create(ctx, sessionID, TransportHTTP, false, func(ctx context.Context) (P, error) {
				return r.spawn(ctx, sessionID)
			})
			return nil, err
		})
		if err != nil {
			return nil, err
		}
	}
	return nil, errors.Newf("session %s: process exited during acquire", sessionID)
}

// Spawn starts a process owned by the caller's connection. The session is
// exempt from idle expiry and must be ended with Remove.
func (r *Registry[P]) Spawn(ctx context.Context, sessionID string, spawn func(context.Context) (P, error)) (P, error) {
	e, err := r.create(ctx, sessionID, TransportWS, true, spawn)
	if err != nil {
		var zero P
		return zero, err
	}
	return e.proc, nil
}

// Put registers an already running process under sessionID with idle expiry.
func (r *Registry[P]) Put(sessionID string, proc P) error {
	_, err := r.create(context.Background(), sessionID, TransportHTTP, false, func(context.Context) (P, error) {
		return proc, nil
	})
	return err
}

// Get returns the live process for sessionID.
func (r *Registry[P]) Get(sessionID string) (P, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok || exited(e.proc) {
		var zero P
		return zero, false
	}
	return e.proc, true
}

// Touch records activity on a session without leasing it.
func (r *Registry[P]) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.info.Calls++
		e.info.LastActivityAt = time.Now().UTC()
	}
}

// Remove terminates the session's process and drops the entry. It reports
// whether the session existed.
func (r *Registry[P]) Remove(sessionID string) bool {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.detachLocked(sessionID, e, ReasonRemoved)
	r.mu.Unlock()

	r.stop(e)
	return true
}

// List returns a snapshot of all sessions ordered by creation time.
func (r *Registry[P]) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		info := e.info
		info.InFlight = e.inFlight
		out = append(out, info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry[P]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close terminates every process and rejects further use.
func (r *Registry[P]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := make([]*entry[P], 0, len(r.entries))
	for id, e := range r.entries {
		r.detachLocked(id, e, ReasonShutdown)
		all = append(all, e)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, e := range all {
		g.Go(func() error {
			r.stop(e)
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry[P]) live(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return ok && !exited(e.proc)
}

func (r *Registry[P]) begin(sessionID string) *Lease[P] {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok || exited(e.proc) {
		return nil
	}
	e.inFlight++
	e.info.Calls++
	e.info.LastActivityAt = time.Now().UTC()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return &Lease[P]{r: r, e: e}
}

func (r *Registry[P]) end(e *entry[P]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.inFlight--
	e.info.LastActivityAt = time.Now().UTC()
	if e.inFlight == 0 && !e.info.Pinned && r.entries[e.info.ID] == e {
		r.armLocked(e)
	}
}

func (r *Registry[P]) create(ctx context.Context, sessionID, transport string, pinned bool, spawn func(context.Context) (P, error)) (*entry[P], error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := r.entries[sessionID]; ok && !exited(e.proc) {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrSessionExists, "session %s", sessionID)
	}
	dead, hasDead := r.entries[sessionID]
	if hasDead {
		r.detachLocked(sessionID, dead, ReasonExited)
	}
	r.mu.Unlock()

	if hasDead {
		// A stopped predecessor's slot goes to the replacement even if its
		// watcher has not run yet.
		r.releaseSlot(dead)
	}

	if r.sem != nil && !r.sem.TryAcquire(1) {
		return nil, errors.Wrapf(ErrSessionLimit, "max %d sessions", r.cfg.MaxSessions)
	}

	proc, err := spawn(ctx)
	if err != nil {
		r.release()
		return nil, err
	}

	now := time.Now().UTC()
	e := &entry[P]{
		proc: proc,
		info: Info{
			ID:             sessionID,
			InstanceID:     uuid.NewString(),
			Transport:      transport,
			PID:            proc.PID(),
			CreatedAt:      now,
			LastActivityAt: now,
			Pinned:         pinned,
		},
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = proc.Terminate()
		r.release()
		return nil, ErrClosed
	}
	old, hasOld := r.entries[sessionID]
	if hasOld && !exited(old.proc) {
		r.mu.Unlock()
		_ = proc.Terminate()
		r.release()
		return nil, errors.Wrapf(ErrSessionExists, "session %s", sessionID)
	}
	if hasOld {
		r.detachLocked(sessionID, old, ReasonExited)
	}
	r.entries[sessionID] = e
	if !pinned {
		r.armLocked(e)
	}
	info := e.info
	r.mu.Unlock()

	if hasOld {
		r.releaseSlot(old)
	}

	go r.watch(e)

	r.logger.Info("Session created", "sessionId", sessionID, "transport", transport, "pid", info.PID)
	if r.cfg.Hooks.OnCreate != nil {
		r.cfg.Hooks.OnCreate(info)
	}
	return e, nil
}

// watch drops the entry and frees its slot as soon as its process stops
// serving, and finalizes it once the process is reaped.
func (r *Registry[P]) watch(e *entry[P]) {
	<-e.proc.Terminated()
	r.mu.Lock()
	if r.entries[e.info.ID] == e {
		r.detachLocked(e.info.ID, e, ReasonExited)
	}
	r.mu.Unlock()
	r.releaseSlot(e)

	<-e.proc.Done()
	r.finalize(e)
}

func (r *Registry[P]) armLocked(e *entry[P]) {
	if e.timer != nil {
		e.timer.Stop()
	}
	r.nextTimerID++
	timerID := r.nextTimerID
	e.timerID = timerID
	sessionID := e.info.ID
	e.timer = time.AfterFunc(r.cfg.IdleTimeout, func() {
		r.expire(sessionID, timerID)
	})
}

func (r *Registry[P]) expire(sessionID string, timerID uint64) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok || e.timerID != timerID || e.inFlight > 0 {
		r.mu.Unlock()
		return
	}
	r.detachLocked(sessionID, e, ReasonExpired)
	info := e.info
	r.mu.Unlock()

	r.logger.Info("Session expired", "sessionId", sessionID, "idle", r.cfg.IdleTimeout.String())
	if r.cfg.Hooks.OnExpire != nil {
		r.cfg.Hooks.OnExpire(info)
	}
	r.stop(e)
}

// detachLocked removes e from the map and records why. The first recorded
// reason wins.
func (r *Registry[P]) detachLocked(sessionID string, e *entry[P], reason Reason) {
	if r.entries[sessionID] == e {
		delete(r.entries, sessionID)
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerID = 0
	if e.reason == "" {
		e.reason = reason
	}
}

func (r *Registry[P]) stop(e *entry[P]) {
	if err := e.proc.Terminate(); err != nil {
		r.logger.Warn("Failed to terminate session process", "sessionId", e.info.ID, "error", err)
	}
	r.finalize(e)
}

func (r *Registry[P]) finalize(e *entry[P]) {
	e.final.Do(func() {
		r.releaseSlot(e)
		r.mu.Lock()
		info := e.info
		reason := e.reason
		if reason == "" {
			reason = ReasonExited
		}
		r.mu.Unlock()

		r.logger.Info("Session ended", "sessionId", info.ID, "reason", string(reason), "calls", info.Calls)
		if r.cfg.Hooks.OnRemove != nil {
			r.cfg.Hooks.OnRemove(info, reason)
		}
	})
}

func (r *Registry[P]) releaseSlot(e *entry[P]) {
	e.slot.Do(r.release)
}

func (r *Registry[P]) release() {
	if r.sem != nil {
		r.sem.Release(1)
	}
}

func exited(p Process) bool {
	select {
	case <-p.Terminated():
		return true
	default:
		return false
	}
}
