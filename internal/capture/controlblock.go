package capture

import (
	"sync"
	"sync/atomic"
	"time"
)

// Control block status flags. Transitions are one-way within a block's
// lifetime (a recovered stream gets a fresh block) and are performed with
// compare-and-swap so that concurrent observers agree on who changed what.
const (
	flagInvalid   uint32 = 1 << iota // producer confirmed dead
	flagRestoring                    // a recovery is in flight
	flagRestored                     // recovery completed on this (old) block
	flagOverrun                      // consumer starved since last clear
)

// timedCond is a condition variable with bounded waits and broadcast,
// usable where sync.Cond is not because it cannot time out. Both
// processes sharing a control block signal through it.
type timedCond struct {
	l  sync.Locker
	ch chan struct{}
}

func newTimedCond(l sync.Locker) *timedCond {
	return &timedCond{l: l, ch: make(chan struct{})}
}

// wait releases the lock, blocks until broadcast or for at most d, then
// reacquires the lock. Returns false on timeout. The caller must hold the
// lock.
func (c *timedCond) wait(d time.Duration) bool {
	ch := c.ch
	c.l.Unlock()

	timer := time.NewTimer(d)
	var signaled bool
	select {
	case <-ch:
		signaled = true
	case <-timer.C:
	}
	timer.Stop()

	c.l.Lock()
	return signaled
}

// broadcast wakes all waiters. The caller must hold the lock.
func (c *timedCond) broadcast() {
	close(c.ch)
	c.ch = make(chan struct{})
}

// ControlBlock is the shared structure coordinating one producer and one
// consumer around a ring of frameCount frames. The producer advances
// server, the consumer advances user; both cursors increase monotonically
// modulo 2^32 with their wrap epochs tracked in serverBase and userBase.
//
// Cursor reads are lock-free and may race the other side; treat them as a
// bound valid at time of read. All state transitions (waits, recovery
// flags, timeout bookkeeping) are serialized by the embedded lock.
type ControlBlock struct {
	mu   sync.Mutex
	cond *timedCond

	frameCount uint32
	frameSize  uint32
	sampleRate uint32
	data       []byte

	server atomic.Uint32 // producer cursor
	user   atomic.Uint32 // consumer cursor

	serverBase uint32 // producer wrap epoch, touched only by the producer step
	userBase   uint32 // consumer wrap epoch, touched only by the consumer step

	flags atomic.Uint32
	lost  atomic.Uint32 // frames dropped by the producer while the ring was full

	// Adaptive timeout state. Mutated only by consumer threads, which are
	// serialized by the owning session's lock.
	waitTime      time.Duration // accumulated wait since data was last seen
	bufferTimeout time.Duration // ceiling before the producer is considered unresponsive
}

// NewControlBlock wraps a validated shared region as a control block.
func NewControlBlock(region *Region) *ControlBlock {
	cb := &ControlBlock{
		frameCount: region.FrameCount(),
		frameSize:  region.FrameSize(),
		sampleRate: region.SampleRate(),
		data:       region.Payload(),
	}
	cb.cond = newTimedCond(&cb.mu)
	return cb
}

// FrameCount returns the ring capacity in frames.
func (cb *ControlBlock) FrameCount() uint32 { return cb.frameCount }

// FrameSize returns the size of one frame in bytes.
func (cb *ControlBlock) FrameSize() uint32 { return cb.frameSize }

// SampleRate returns the stream sample rate in Hz.
func (cb *ControlBlock) SampleRate() uint32 { return cb.sampleRate }

// User returns the consumer cursor.
func (cb *ControlBlock) User() uint32 { return cb.user.Load() }

// Server returns the producer cursor.
func (cb *ControlBlock) Server() uint32 { return cb.server.Load() }

// FramesReady returns how many frames are readable right now. Lock-free;
// the producer may append concurrently, so the result is a lower bound.
func (cb *ControlBlock) FramesReady() uint32 {
	d := cb.server.Load() - cb.user.Load()
	if d > cb.frameCount {
		// Cursor distance beyond capacity means the producer overwrote
		// unread data; report a full ring.
		return cb.frameCount
	}
	return d
}

// FramesAvailable returns how much room the producer has left.
func (cb *ControlBlock) FramesAvailable() uint32 {
	return cb.frameCount - cb.FramesReady()
}

// contiguousReadable clamps a frame request so the returned window does not
// cross the physical end of the ring: callers get a flat slice, the
// remainder is picked up by the next acquire after the cursor wraps.
func (cb *ControlBlock) contiguousReadable(u, frames uint32) uint32 {
	bufferEnd := cb.userBase + cb.frameCount
	if frames > bufferEnd-u {
		frames = bufferEnd - u
	}
	return frames
}

// sliceAt returns the flat window of frames starting at consumer cursor u.
// The window must not cross the physical ring end (see contiguousReadable).
func (cb *ControlBlock) sliceAt(u, frames uint32) []byte {
	off := (u - cb.userBase) * cb.frameSize
	return cb.data[off : off+frames*cb.frameSize]
}

// stepUser advances the consumer cursor by frames under the block lock.
// The caller must not advance past FramesReady(); doing so corrupts
// synchronization and is a programming error, not a recoverable failure.
// Advancing frees producer capacity, so a pending overrun episode ends here.
func (cb *ControlBlock) stepUser(frames uint32) {
	cb.mu.Lock()
	u := cb.user.Load() + frames
	cb.user.Store(u)
	if u-cb.userBase >= cb.frameCount {
		cb.userBase += cb.frameCount
	}
	cb.clearFlags(flagOverrun)
	cb.mu.Unlock()
}

// Produce copies whole frames from p into the ring and advances the
// producer cursor, waking any waiting consumer. Frames that do not fit are
// dropped and counted as lost. Returns the number of frames written.
// This is the producer-side step, used by in-process services and tests.
func (cb *ControlBlock) Produce(p []byte) uint32 {
	want := uint32(len(p)) / cb.frameSize

	cb.mu.Lock()
	defer cb.mu.Unlock()

	frames := want
	if avail := cb.frameCount - cb.FramesReady(); frames > avail {
		cb.lost.Add(frames - avail)
		frames = avail
	}
	if frames == 0 {
		return 0
	}

	s := cb.server.Load()
	off := (s - cb.serverBase) * cb.frameSize
	n := copy(cb.data[off:], p[:frames*cb.frameSize])
	// wrap the remainder to the front of the ring
	copy(cb.data, p[n:frames*cb.frameSize])

	s += frames
	cb.server.Store(s)
	for s-cb.serverBase >= cb.frameCount {
		cb.serverBase += cb.frameCount
	}

	cb.cond.broadcast()
	return frames
}

// TakeLostFrames returns and resets the count of frames the producer had
// to drop because the consumer was not keeping up.
func (cb *ControlBlock) TakeLostFrames() uint32 {
	return cb.lost.Swap(0)
}

// --- status flag state machine ---

// setFlags sets the given flag bits, returning the previous flag word.
func (cb *ControlBlock) setFlags(bits uint32) uint32 {
	for {
		old := cb.flags.Load()
		if old&bits == bits || cb.flags.CompareAndSwap(old, old|bits) {
			return old
		}
	}
}

// clearFlags clears the given flag bits.
func (cb *ControlBlock) clearFlags(bits uint32) {
	for {
		old := cb.flags.Load()
		if old&bits == 0 || cb.flags.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// markInvalid records that the producer is confirmed dead.
func (cb *ControlBlock) markInvalid() {
	cb.setFlags(flagInvalid)
}

// isInvalid reports whether the producer has been declared dead.
func (cb *ControlBlock) isInvalid() bool {
	return cb.flags.Load()&flagInvalid != 0
}

// beginRestore attempts to claim the single-flight recovery slot.
// Returns true for exactly one caller per block; that caller is the leader.
func (cb *ControlBlock) beginRestore() bool {
	return cb.setFlags(flagRestoring)&flagRestoring == 0
}

// markRestored publishes that recovery on this block has finished, whatever
// the outcome; followers check the session state for the result.
func (cb *ControlBlock) markRestored() {
	cb.setFlags(flagRestored)
}

// isRestored reports whether a recovery on this block has finished.
func (cb *ControlBlock) isRestored() bool {
	return cb.flags.Load()&flagRestored != 0
}

// setOverrun marks the start of a starvation episode. Returns true only on
// the first call of an episode, making overrun reporting edge-triggered.
func (cb *ControlBlock) setOverrun() bool {
	return cb.setFlags(flagOverrun)&flagOverrun == 0
}
