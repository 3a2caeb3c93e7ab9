package capture

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService is an in-memory Service whose blocks are driven directly by
// the tests. startHook, when set, decides the outcome of each Start call.
type fakeService struct {
	mu         sync.Mutex
	frameCount uint32
	opens      int
	starts     int
	stops      int
	openErr    error
	startHook  func(call int) error
	blocks     []*ControlBlock
	running    bool
}

type fakeHandle struct{ id string }

func (h *fakeHandle) ID() string { return h.id }

func newFakeService(frameCount uint32) *fakeService {
	return &fakeService{frameCount: frameCount}
}

func (f *fakeService) OpenStream(params StreamParams) (StreamHandle, *ControlBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, nil, f.openErr
	}
	f.opens++
	region, err := NewRegion(f.frameCount, params.FrameSize(), params.SampleRate)
	if err != nil {
		return nil, nil, err
	}
	cblk := NewControlBlock(region)
	f.blocks = append(f.blocks, cblk)
	return &fakeHandle{id: fmt.Sprintf("stream-%d", f.opens)}, cblk, nil
}

func (f *fakeService) Start(StreamHandle, SyncMode) error {
	f.mu.Lock()
	f.starts++
	call := f.starts
	hook := f.startHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Stop(StreamHandle) error {
	f.mu.Lock()
	f.stops++
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeService) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeService) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeService) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeService) block(i int) *ControlBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < len(f.blocks) {
		return f.blocks[i]
	}
	return nil
}

func testParams() StreamParams {
	return StreamParams{
		SampleRate: 48000,
		Format:     FormatS16LE,
		Channels:   1,
		Source:     "test",
	}
}

// fastPolicy keeps test waits in the millisecond range.
func fastPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		WaitQuantum:      2 * time.Millisecond,
		RunTimeout:       20 * time.Millisecond,
		StartupTimeout:   20 * time.Millisecond,
		SyncStartTimeout: 50 * time.Millisecond,
		RestoreTimeout:   time.Second,
	}
}

func openTestSession(t *testing.T, svc *fakeService, cfg Config) *Session {
	t.Helper()
	cfg.Params = testParams()
	if cfg.Policy == (TimeoutPolicy{}) {
		cfg.Policy = fastPolicy()
	}
	s, err := Open(svc, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func produceFrames(cblk *ControlBlock, frames uint32) {
	cblk.Produce(make([]byte, frames*cblk.FrameSize()))
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open(nil, Config{})
	assert.Error(t, err)

	_, err = Open(newFakeService(64), Config{Params: StreamParams{}})
	assert.Error(t, err)

	svc := newFakeService(64)
	svc.openErr = errors.New("negotiation refused")
	_, err = Open(svc, Config{Params: testParams()})
	assert.Error(t, err)
}

func TestOpenAssignsSessionID(t *testing.T) {
	t.Parallel()

	s := openTestSession(t, newFakeService(64), Config{})
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, uint32(64), s.FrameCount())
	assert.Equal(t, uint32(2), s.FrameSize())
	assert.Equal(t, uint32(48000), s.SampleRate())
}

func TestAcquireInactiveWithDataDoesNotBlock(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	produceFrames(svc.block(0), 32)

	start := time.Now()
	buf, err := s.Acquire(16, -1)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	if !errors.Is(err, ErrStopped) && !errors.Is(err, ErrNoMoreBuffers) {
		t.Fatalf("unexpected acquire result on inactive session: %v", err)
	}
	if buf != nil {
		s.Release(buf)
	}
}

func TestAcquireWouldBlock(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	start := time.Now()
	_, err := s.Acquire(16, 0)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "non-blocking acquire must not wait")
}

func TestAcquireNoMoreBuffersWhenInactive(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})

	_, err := s.Acquire(16, -1)
	assert.ErrorIs(t, err, ErrNoMoreBuffers)
}

func TestAcquireTimedOut(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	_, err := s.Acquire(16, 3)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestAcquireClampsToReadyAndRingEnd(t *testing.T) {
	t.Parallel()

	svc := newFakeService(256)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))
	cblk := svc.block(0)

	produceFrames(cblk, 100)
	buf, err := s.Acquire(1000, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), buf.FrameCount, "clamped to framesReady")
	assert.Equal(t, buf.FrameCount*2, buf.Size)
	s.Release(buf)
	assert.Equal(t, uint32(100), s.Position())

	// 200 more frames ready, but only 156 before the physical ring end
	produceFrames(cblk, 200)
	buf, err = s.Acquire(200, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(156), buf.FrameCount, "clamped to the ring end")
	s.Release(buf)

	buf, err = s.Acquire(200, -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(44), buf.FrameCount, "remainder after the wrap")
	s.Release(buf)
	assert.Equal(t, uint32(300), s.Position())
}

func TestReleaseAdvancesMonotonically(t *testing.T) {
	t.Parallel()

	svc := newFakeService(128)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))
	cblk := svc.block(0)

	var last uint32
	for i := 0; i < 10; i++ {
		produceFrames(cblk, 50)
		buf, err := s.Acquire(50, -1)
		require.NoError(t, err)
		n := buf.FrameCount
		s.Release(buf)
		pos := s.Position()
		assert.Equal(t, last+n, pos)
		assert.LessOrEqual(t, pos, cblk.Server(), "user never passes server")
		last = pos
	}
}

func TestAcquireUnblocksOnData(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	got := make(chan uint32, 1)
	go func() {
		buf, err := s.Acquire(16, -1)
		if err != nil {
			got <- 0
			return
		}
		n := buf.FrameCount
		s.Release(buf)
		got <- n
	}()

	time.Sleep(10 * time.Millisecond)
	produceFrames(svc.block(0), 16)

	select {
	case n := <-got:
		assert.Equal(t, uint32(16), n)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never unblocked")
	}
}

func TestStopUnblocksAcquire(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	errs := make(chan error, 1)
	go func() {
		_, err := s.Acquire(16, -1)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrStopped) && !errors.Is(err, ErrNoMoreBuffers) {
			t.Fatalf("unexpected acquire result: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not unblock acquire")
	}
}

func TestAcquireStoppedStillReturnsFinalView(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))
	produceFrames(svc.block(0), 32)
	s.Stop()

	buf, err := s.Acquire(16, -1)
	require.ErrorIs(t, err, ErrStopped)
	require.NotNil(t, buf, "the final view is still valid")
	assert.Equal(t, uint32(16), buf.FrameCount)
	s.Release(buf)
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})

	require.NoError(t, s.Start(SyncNone))
	require.NoError(t, s.Start(SyncNone))
	assert.Equal(t, 1, svc.startCount())
	assert.True(t, s.Active())

	s.Stop()
	s.Stop()
	assert.False(t, s.Active())
	svc.mu.Lock()
	stops := svc.stops
	svc.mu.Unlock()
	assert.Equal(t, 1, stops)
}

func TestActivationHooks(t *testing.T) {
	t.Parallel()

	var activated, deactivated int
	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{
		Hooks: Hooks{
			OnActivate:   func() { activated++ },
			OnDeactivate: func() { deactivated++ },
		},
	})

	require.NoError(t, s.Start(SyncNone))
	s.Stop()
	require.NoError(t, s.Start(SyncNone))
	s.Stop()
	assert.Equal(t, 2, activated)
	assert.Equal(t, 2, deactivated)
}

func TestHealthCheckNudgesUnresponsiveProducer(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf, err := s.Acquire(16, -1)
		if err == nil {
			s.Release(buf)
		}
	}()

	// the startup ceiling expires with no data, forcing a nudge start
	waitFor(t, time.Second, func() bool { return svc.startCount() >= 2 })
	produceFrames(svc.block(0), 16)
	<-done
	assert.Equal(t, 1, svc.openCount(), "a healthy nudge must not rebuild")
}

func TestRecoveryViaDeadNudge(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	svc.startHook = func(call int) error {
		if call == 2 {
			// the health-check nudge finds the producer dead
			return ErrDeadConnection
		}
		return nil
	}
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	got := make(chan error, 1)
	go func() {
		buf, err := s.Acquire(16, -1)
		if err == nil {
			s.Release(buf)
		}
		got <- err
	}()

	waitFor(t, time.Second, func() bool { return svc.openCount() == 2 })
	produceFrames(svc.block(1), 16)

	select {
	case err := <-got:
		assert.NoError(t, err, "recovery must be transparent to the caller")
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never returned after recovery")
	}
	assert.True(t, s.Active())
}

func TestRecoverySingleFlightUnderContention(t *testing.T) {
	t.Parallel()

	const waiters = 8
	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))
	old := svc.block(0)

	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			buf, err := s.Acquire(8, -1)
			if err == nil {
				s.Release(buf)
			}
			results <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	// producer death observed by every waiter at once
	old.markInvalid()
	old.mu.Lock()
	old.cond.broadcast()
	old.mu.Unlock()

	waitFor(t, time.Second, func() bool { return svc.openCount() == 2 })

	// keep feeding the replacement block until every waiter is done
	deadline := time.After(5 * time.Second)
	received := 0
	for received < waiters {
		select {
		case err := <-results:
			if err != nil {
				require.ErrorIs(t, err, ErrStopped)
			}
			received++
		case <-deadline:
			t.Fatalf("only %d of %d waiters finished", received, waiters)
		default:
			produceFrames(svc.block(1), 8)
			time.Sleep(time.Millisecond)
		}
	}

	assert.Equal(t, 2, svc.openCount(), "exactly one rebuild")
}

func TestRecoveryFailureStopsSession(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	svc.startHook = func(call int) error {
		if call >= 2 {
			// nudge and rebuild starts both find the producer dead
			return ErrDeadConnection
		}
		return nil
	}
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	_, err := s.Acquire(16, -1)
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, s.Active(), "failed rebuild deactivates the session")
}

func TestStopDuringInFlightStart(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	svc.startHook = func(int) error {
		close(inFlight)
		<-release
		return nil
	}
	s := openTestSession(t, svc, Config{})

	errs := make(chan error, 1)
	go func() { errs <- s.Start(SyncNone) }()

	// stop lands while the producer-side start call is still in flight
	<-inFlight
	s.Stop()
	close(release)

	require.NoError(t, <-errs)
	assert.False(t, s.Active())
	assert.False(t, svc.isRunning(), "a start superseded by stop must leave the producer stopped")
}

func TestRecoveryFollowerTimesOut(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	pol := fastPolicy()
	pol.RestoreTimeout = 30 * time.Millisecond
	s := openTestSession(t, svc, Config{Policy: pol})
	require.NoError(t, s.Start(SyncNone))

	// a leader claimed the rebuild elsewhere and never finishes
	old := svc.block(0)
	old.markInvalid()
	old.setFlags(flagRestoring)

	start := time.Now()
	s.mu.Lock()
	old.mu.Lock()
	got, err := s.restoreLocked(old)
	got.mu.Unlock()
	s.mu.Unlock()

	assert.ErrorIs(t, err, ErrStopped)
	assert.Same(t, old, got, "a timed-out follower stays on the old block")
	assert.GreaterOrEqual(t, time.Since(start), pol.RestoreTimeout)
}

func TestRecoveryFollowerObservesFailedRebuild(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	// the leader finished without publishing a replacement block
	old := svc.block(0)
	old.markInvalid()
	old.setFlags(flagRestoring)
	old.markRestored()

	s.mu.Lock()
	old.mu.Lock()
	got, err := s.restoreLocked(old)
	got.mu.Unlock()
	s.mu.Unlock()

	assert.ErrorIs(t, err, ErrStopped)
	assert.Same(t, old, got, "a failed rebuild leaves the follower on the old block")
	assert.Equal(t, 1, svc.openCount(), "the follower never rebuilds on its own")
}

func TestMarkerAPIRequiresCallback(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	assert.Error(t, s.SetMarkerPosition(100))
	assert.Error(t, s.SetPositionUpdatePeriod(100))

	s2 := openTestSession(t, newFakeService(64), Config{
		Callbacks: &Callbacks{OnMarker: func(uint32) {}, OnNewPos: func(uint32) {}},
	})
	require.NoError(t, s2.SetMarkerPosition(100))
	assert.Equal(t, uint32(100), s2.MarkerPosition())
	require.NoError(t, s2.SetPositionUpdatePeriod(50))
	assert.Equal(t, uint32(50), s2.PositionUpdatePeriod())
}

func TestStopClearsMarkerReached(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{
		Callbacks: &Callbacks{OnMarker: func(uint32) {}},
	})
	require.NoError(t, s.Start(SyncNone))

	s.mu.Lock()
	s.markerReached = true
	s.mu.Unlock()

	s.Stop()

	s.mu.Lock()
	reached := s.markerReached
	s.mu.Unlock()
	assert.False(t, reached, "a marker armed before the next start fires again")
}

func TestLatency(t *testing.T) {
	t.Parallel()

	svc := newFakeService(48000)
	s := openTestSession(t, svc, Config{})
	assert.Equal(t, time.Second, s.Latency())
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never held")
		}
		time.Sleep(time.Millisecond)
	}
}
