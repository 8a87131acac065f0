package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/qb-bridge/internal/logging"
)

type fakeProc struct {
	pid        int
	stopped    chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	once       sync.Once
	terminated atomic.Int32
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, stopped: make(chan struct{}), done: make(chan struct{})}
}

func (f *fakeProc) Terminated() <-chan struct{} { return f.stopped }
func (f *fakeProc) Done() <-chan struct{}       { return f.done }
func (f *fakeProc) PID() int                    { return f.pid }

func (f *fakeProc) Terminate() error {
	f.terminated.Add(1)
	f.exit()
	return nil
}

// stop marks the process as no longer serving while it keeps running.
func (f *fakeProc) stop() { f.stopOnce.Do(func() { close(f.stopped) }) }

func (f *fakeProc) exit() {
	f.stop()
	f.once.Do(func() { close(f.done) })
}

type spawnCounter struct {
	n     atomic.Int32
	delay time.Duration
	err   error

	mu    sync.Mutex
	procs []*fakeProc
}

func (s *spawnCounter) spawn(_ context.Context, _ string) (*fakeProc, error) {
	n := s.n.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProc(1000 + int(n))
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

func (s *spawnCounter) last() *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

func newTestRegistry(t *testing.T, cfg Config, s *spawnCounter) *Registry[*fakeProc] {
	t.Helper()
	cfg.Logger = logging.Discard()
	r := NewRegistry(cfg, s.spawn)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAcquireSpawnsOncePerSession(t *testing.T) {
	s := &spawnCounter{delay: 50 * time.Millisecond}
	r := newTestRegistry(t, Config{}, s)

	var wg sync.WaitGroup
	leases := make(chan *Lease[*fakeProc], 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := r.Acquire(context.Background(), "sess-a")
			if assert.NoError(t, err) {
				leases <- l
			}
		}()
	}
	wg.Wait()
	close(leases)

	assert.Equal(t, int32(1), s.n.Load())
	var first *fakeProc
	for l := range leases {
		if first == nil {
			first = l.Process()
		}
		assert.Same(t, first, l.Process())
		l.Release()
	}
	assert.Equal(t, 1, r.Len())
}

func TestDistinctSessionsGetDistinctProcesses(t *testing.T) {
	s := &spawnCounter{}
	r := newTestRegistry(t, Config{}, s)

	a, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer a.Release()
	b, err := r.Acquire(context.Background(), "b")
	require.NoError(t, err)
	defer b.Release()

	assert.NotSame(t, a.Process(), b.Process())
	assert.Equal(t, "a", a.SessionID())
	assert.Equal(t, 2, r.Len())
}

func TestIdleExpiryTerminatesAndRespawns(t *testing.T) {
	s := &spawnCounter{}
	var expired atomic.Int32
	r := newTestRegistry(t, Config{
		IdleTimeout: 50 * time.Millisecond,
		Hooks:       Hooks{OnExpire: func(Info) { expired.Add(1) }},
	}, s)

	l, err := r.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	first := l.Process()
	l.Release()

	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), first.terminated.Load())
	assert.Equal(t, int32(1), expired.Load())

	l, err = r.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	defer l.Release()
	assert.NotSame(t, first, l.Process())
	assert.Equal(t, int32(2), s.n.Load())
}

func TestInFlightLeaseBlocksExpiry(t *testing.T) {
	s := &spawnCounter{}
	r := newTestRegistry(t, Config{IdleTimeout: 30 * time.Millisecond}, s)

	l, err := r.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, r.Len())
	assert.Zero(t, l.Process().terminated.Load())

	l.Release()
	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestActivityResetsIdleTimer(t *testing.T) {
	s := &spawnCounter{}
	r := newTestRegistry(t, Config{IdleTimeout: 150 * time.Millisecond}, s)

	for i := 0; i < 5; i++ {
		l, err := r.Acquire(context.Background(), "active")
		require.NoError(t, err)
		l.Release()
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, int32(1), s.n.Load())
	assert.Equal(t, 1, r.Len())
}

func TestProcessExitRemovesEntry(t *testing.T) {
	s := &spawnCounter{}
	reasons := make(chan Reason, 1)
	r := newTestRegistry(t, Config{
		Hooks: Hooks{OnRemove: func(_ Info, reason Reason) { reasons <- reason }},
	}, s)

	l, err := r.Acquire(context.Background(), "dies")
	require.NoError(t, err)
	l.Release()

	s.last().exit()

	select {
	case reason := <-reasons:
		assert.Equal(t, ReasonExited, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnRemove not called")
	}
	assert.Equal(t, 0, r.Len())
	_, ok := r.Get("dies")
	assert.False(t, ok)

	l, err = r.Acquire(context.Background(), "dies")
	require.NoError(t, err)
	defer l.Release()
	assert.Equal(t, int32(2), s.n.Load())
}

func TestStoppedProcessIsReplacedBeforeReap(t *testing.T) {
	s := &spawnCounter{}
	reasons := make(chan Reason, 2)
	r := newTestRegistry(t, Config{
		MaxSessions: 1,
		Hooks:       Hooks{OnRemove: func(_ Info, reason Reason) { reasons <- reason }},
	}, s)

	l, err := r.Acquire(context.Background(), "hung")
	require.NoError(t, err)
	l.Release()
	first := s.last()

	// Output closed, process not yet reaped.
	first.stop()

	_, ok := r.Get("hung")
	assert.False(t, ok)

	l, err = r.Acquire(context.Background(), "hung")
	require.NoError(t, err, "the cap must not count a process that stopped serving")
	assert.NotSame(t, first, l.Process())
	assert.Equal(t, int32(2), s.n.Load())
	l.Release()

	select {
	case <-reasons:
		t.Fatal("OnRemove ran before the process was reaped")
	case <-time.After(50 * time.Millisecond):
	}

	first.exit()
	select {
	case reason := <-reasons:
		assert.Equal(t, ReasonExited, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnRemove not called after reap")
	}

	p, ok := r.Get("hung")
	require.True(t, ok)
	assert.NotSame(t, first, p)
}

func TestSessionLimitRejects(t *testing.T) {
	s := &spawnCounter{}
	r := newTestRegistry(t, Config{MaxSessions: 2}, s)

	for _, id := range []string{"one", "two"} {
		l, err := r.Acquire(context.Background(), id)
		require.NoError(t, err)
		l.Release()
	}

	_, err := r.Acquire(context.Background(), "three")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionLimit))

	// Existing sessions are still served.
	l, err := r.Acquire(context.Background(), "one")
	require.NoError(t, err)
	l.Release()

	require.True(t, r.Remove("two"))
	require.Eventually(t, func() bool {
		l, err := r.Acquire(context.Background(), "three")
		if err != nil {
			return false
		}
		l.Release()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSpawnFailureReleasesSlot(t *testing.T) {
	s := &spawnCounter{err: errors.New("boom")}
	r := newTestRegistry(t, Config{MaxSessions: 1}, s)

	for i := 0; i < 3; i++ {
		_, err := r.Acquire(context.Background(), "x")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrSessionLimit))
	}
	assert.Equal(t, 0, r.Len())
}

func TestPinnedSessionIgnoresIdleAndRejectsDuplicates(t *testing.T) {
	s := &spawnCounter{}
	r := newTestRegistry(t, Config{IdleTimeout: 20 * time.Millisecond}, s)

	p, err := r.Spawn(context.Background(), "ws-1", func(ctx context.Context) (*fakeProc, error) {
		return s.spawn(ctx, "ws-1")
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	got, ok := r.Get("ws-1")
	require.True(t, ok)
	assert.Same(t, p, got)

	_, err = r.Spawn(context.Background(), "ws-1", func(ctx context.Context) (*fakeProc, error) {
		return s.spawn(ctx, "ws-1")
	})
	assert.True(t, errors.Is(err, ErrSessionExists))

	infos := r.List()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Pinned)
	assert.Equal(t, TransportWS, infos[0].Transport)

	assert.True(t, r.Remove("ws-1"))
	assert.Equal(t, int32(1), p.terminated.Load())
	assert.False(t, r.Remove("ws-1"))
}

func TestPutRegistersExternalProcess(t *testing.T) {
	s := &spawnCounter{}
	r := newTestRegistry(t, Config{}, s)

	p := newFakeProc(77)
	require.NoError(t, r.Put("ext", p))
	assert.True(t, errors.Is(r.Put("ext", newFakeProc(78)), ErrSessionExists))

	l, err := r.Acquire(context.Background(), "ext")
	require.NoError(t, err)
	defer l.Release()
	assert.Same(t, p, l.Process())
	assert.Zero(t, s.n.Load())
}

func TestListAndTouch(t *testing.T) {
	s := &spawnCounter{}
	r := newTestRegistry(t, Config{}, s)

	l, err := r.Acquire(context.Background(), "first")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	l2, err := r.Acquire(context.Background(), "second")
	require.NoError(t, err)
	l2.Release()
	r.Touch("second")

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "first", infos[0].ID)
	assert.Equal(t, 1, infos[0].InFlight)
	assert.Equal(t, int64(1), infos[0].Calls)
	assert.Equal(t, "second", infos[1].ID)
	assert.Equal(t, int64(2), infos[1].Calls)
	assert.NotEmpty(t, infos[1].InstanceID)
	assert.NotEqual(t, infos[0].InstanceID, infos[1].InstanceID)
	l.Release()
}

func TestCloseTerminatesAll(t *testing.T) {
	s := &spawnCounter{}
	var mu sync.Mutex
	reasons := map[string]Reason{}
	r := NewRegistry(Config{
		Logger: logging.Discard(),
		Hooks: Hooks{OnRemove: func(info Info, reason Reason) {
			mu.Lock()
			reasons[info.ID] = reason
			mu.Unlock()
		}},
	}, s.spawn)

	for _, id := range []string{"a", "b", "c"} {
		l, err := r.Acquire(context.Background(), id)
		require.NoError(t, err)
		l.Release()
	}
	require.NoError(t, r.Close())

	assert.Equal(t, 0, r.Len())
	for _, p := range s.procs {
		assert.Equal(t, int32(1), p.terminated.Load())
	}
	mu.Lock()
	assert.Equal(t, map[string]Reason{"a": ReasonShutdown, "b": ReasonShutdown, "c": ReasonShutdown}, reasons)
	mu.Unlock()

	_, err := r.Acquire(context.Background(), "d")
	assert.True(t, errors.Is(err, ErrClosed))
}
