package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFillsBuffer(t *testing.T) {
	t.Parallel()

	svc := newFakeService(128)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))
	cblk := svc.block(0)

	chunk := make([]byte, 100*2)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	cblk.Produce(chunk)

	p := make([]byte, 100*2)
	n, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, len(p), n)
	assert.Equal(t, chunk, p)
	assert.Equal(t, uint32(100), s.Position())
}

func TestReadSpansRingWrap(t *testing.T) {
	t.Parallel()

	svc := newFakeService(128)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))
	cblk := svc.block(0)

	// push the cursor near the physical end so the read must compose two
	// acquire windows
	produceFrames(cblk, 100)
	buf, err := s.Acquire(100, -1)
	require.NoError(t, err)
	s.Release(buf)

	produceFrames(cblk, 60)
	p := make([]byte, 60*2)
	n, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, len(p), n)
	assert.Equal(t, uint32(160), s.Position())
}

func TestReadReturnsPartialOnTimeout(t *testing.T) {
	t.Parallel()

	svc := newFakeService(256)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	produceFrames(svc.block(0), 50)
	p := make([]byte, 200*2)
	n, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 50*2, n, "timeout hands back what was already copied")
}

func TestReadOnInactiveSession(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})

	p := make([]byte, 64)
	n, err := s.Read(p)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrNoMoreBuffers)
}

func TestReadTooSmallBuffer(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	_, err := s.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestReadUnblockedByStop(t *testing.T) {
	t.Parallel()

	svc := newFakeService(64)
	s := openTestSession(t, svc, Config{})
	require.NoError(t, s.Start(SyncNone))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p := make([]byte, 64)
		_, _ = s.Read(p)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not unblock read")
	}
}
