package capture

import "time"

// Buffer is a transient view into the shared ring returned by Acquire.
// It is valid only until the matching Release and holds no ownership of
// the underlying storage.
type Buffer struct {
	FrameCount uint32
	Size       uint32 // bytes, FrameCount * frame size
	Format     SampleFormat
	Channels   uint32
	Data       []byte

	cblk *ControlBlock // generation the view was acquired on
}

// Callbacks are the application hooks invoked by the notification worker.
// All callbacks run on the worker goroutine; they must not call Close on
// the owning session.
type Callbacks struct {
	// OnMoreData receives a buffer of captured frames and returns the
	// number of bytes it consumed. Returns greater than the buffer size
	// are clamped; a non-positive return means no data can be taken right
	// now and makes the worker back off for one wait quantum.
	OnMoreData func(buf *Buffer) int

	// OnMarker fires once per arm when the consumer cursor reaches the
	// marker position.
	OnMarker func(position uint32)

	// OnNewPos fires for every periodic position boundary the consumer
	// cursor crosses.
	OnNewPos func(position uint32)

	// OnOverrun fires once per starvation episode when the producer runs
	// out of ring capacity while the session is active.
	OnOverrun func()
}

// hasEventCallbacks reports whether any position event hook is usable.
// Marker and period setters require this, matching the historical API
// where position events without a callback are an invalid operation.
func (c *Callbacks) hasEventCallbacks() bool {
	return c != nil && (c.OnMarker != nil || c.OnNewPos != nil)
}

// Hooks are invoked around session activation, replacing platform
// scheduling-priority bookkeeping with an injectable collaborator.
type Hooks struct {
	OnActivate   func()
	OnDeactivate func()
}

// TimeoutPolicy configures the wait quantum and the timeout ceilings of
// the acquire protocol. The zero value of any field selects its default.
type TimeoutPolicy struct {
	// WaitQuantum is the bounded interval of a single condition wait. It
	// is deliberately short so timed events are never starved by a long
	// wait.
	WaitQuantum time.Duration

	// RunTimeout is the steady-state ceiling before the producer is
	// considered unresponsive and nudged.
	RunTimeout time.Duration

	// StartupTimeout is the ceiling applied after a plain start, covering
	// the higher first-buffer latency.
	StartupTimeout time.Duration

	// SyncStartTimeout is the ceiling applied after a synchronized start,
	// where the producer may legitimately delay delivery much longer.
	SyncStartTimeout time.Duration

	// RestoreTimeout bounds how long a recovery follower waits for the
	// leader's rebuild to finish.
	RestoreTimeout time.Duration
}

// Default timeout values.
const (
	DefaultWaitQuantum      = 10 * time.Millisecond
	DefaultRunTimeout       = 1 * time.Second
	DefaultStartupTimeout   = 3 * time.Second
	DefaultSyncStartTimeout = 30 * time.Second
	DefaultRestoreTimeout   = 5 * time.Second
)

func (p TimeoutPolicy) withDefaults() TimeoutPolicy {
	if p.WaitQuantum <= 0 {
		p.WaitQuantum = DefaultWaitQuantum
	}
	if p.RunTimeout <= 0 {
		p.RunTimeout = DefaultRunTimeout
	}
	if p.StartupTimeout <= 0 {
		p.StartupTimeout = DefaultStartupTimeout
	}
	if p.SyncStartTimeout <= 0 {
		p.SyncStartTimeout = DefaultSyncStartTimeout
	}
	if p.RestoreTimeout <= 0 {
		p.RestoreTimeout = DefaultRestoreTimeout
	}
	return p
}

// initialCeiling returns the buffer timeout seeded by a start in the
// given mode. A synchronized start gets the long ceiling; everything else
// the startup ceiling.
func (p TimeoutPolicy) initialCeiling(mode SyncMode) time.Duration {
	if mode == SyncStart {
		return p.SyncStartTimeout
	}
	return p.StartupTimeout
}
