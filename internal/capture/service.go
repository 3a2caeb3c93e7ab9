package capture

import (
	"errors"
)

// SampleFormat identifies the PCM sample encoding of a stream.
type SampleFormat int

const (
	FormatS16LE SampleFormat = iota // 16-bit signed little-endian
	FormatU8                        // 8-bit unsigned
)

// BytesPerSample returns the per-channel sample size in bytes.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatU8:
		return 1
	default:
		return 2
	}
}

func (f SampleFormat) String() string {
	switch f {
	case FormatS16LE:
		return "s16le"
	case FormatU8:
		return "u8"
	default:
		return "unknown"
	}
}

// SyncMode selects how a stream start is synchronized with the producer.
type SyncMode int

const (
	// SyncNone starts the stream immediately.
	SyncNone SyncMode = iota
	// SyncSame preserves the synchronization of a previous start. Used for
	// health-check nudges and recovery restarts.
	SyncSame
	// SyncStart delays delivery until the producer signals a
	// synchronization event, which can take considerably longer to produce
	// the first buffer.
	SyncStart
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncSame:
		return "same"
	case SyncStart:
		return "sync-start"
	default:
		return "unknown"
	}
}

// StreamParams describes the capture stream requested from the service.
// Parameters are invariant across recovery: a rebuilt stream is opened with
// the exact same values.
type StreamParams struct {
	SampleRate uint32
	Format     SampleFormat
	Channels   uint32
	FrameCount uint32 // requested ring capacity in frames, 0 lets the service decide
	Source     string // device selector, service specific
	SessionID  string // assigned by Open when empty
}

// FrameSize returns the size of one frame in bytes.
func (p *StreamParams) FrameSize() uint32 {
	return p.Channels * uint32(p.Format.BytesPerSample())
}

// StreamHandle is an opaque reference to a producer-side stream.
type StreamHandle interface {
	// ID returns a stable identifier for the stream, used in logs.
	ID() string
}

// ErrDeadConnection is returned by Service calls when the producer side of
// the connection is gone. It is the sole trigger for stream recovery.
var ErrDeadConnection = errors.New("dead connection to audio service")

// Service is the narrow interface to the audio capture service that owns
// the producer side of the ring buffer. All calls are synchronous.
//
// Implementations must return an error matching ErrDeadConnection (via
// errors.Is) when the producer side of the connection is gone; any other
// error is treated as a fatal, non-recoverable failure of the call.
type Service interface {
	// OpenStream negotiates and opens a capture stream, returning the
	// producer-side handle and the shared control block. The returned block
	// may have a different frame count than requested.
	OpenStream(params StreamParams) (StreamHandle, *ControlBlock, error)

	// Start asks the producer to begin (or resume) capturing into the ring.
	Start(h StreamHandle, mode SyncMode) error

	// Stop asks the producer to stop capturing.
	Stop(h StreamHandle) error
}
