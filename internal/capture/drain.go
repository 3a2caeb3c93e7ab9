package capture

import (
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/osaudio/capture-go/internal/diagnostics"
	"github.com/osaudio/capture-go/internal/errors"
)

const (
	// warn when a drain buffer sits above this fill ratio
	drainWarnThreshold = 0.9
	drainWriteRetries  = 3
	drainRetryDelay    = 10 * time.Millisecond
)

// StreamBuffer decouples the worker callback from the application's own
// consumption pace: the callback pushes acquired windows in, the
// application drains at leisure. Unlike the shared ring it owns its
// storage, so pushed data survives Release.
type StreamBuffer struct {
	mu       sync.Mutex
	rb       *ringbuffer.RingBuffer
	name     string
	lastWarn time.Time
}

// NewStreamBuffer allocates a drain buffer holding capacity bytes.
func NewStreamBuffer(name string, capacity int) (*StreamBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Newf("invalid drain buffer capacity: %d", capacity).
			Component("capture").
			Category(errors.CategoryValidation).
			Context("buffer", name).
			Build()
	}
	return &StreamBuffer{
		rb:   ringbuffer.New(capacity),
		name: name,
	}, nil
}

// Write pushes data into the buffer, retrying briefly when full. Data
// that still does not fit after the retries is dropped and reported.
func (b *StreamBuffer) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fill := float64(b.rb.Length()) / float64(b.rb.Capacity()); fill > drainWarnThreshold {
		if time.Since(b.lastWarn) > time.Minute {
			b.lastWarn = time.Now()
			getLogger().Warn("drain buffer nearly full",
				"buffer", b.name,
				"fill_percent", int(fill*100))
		}
	}

	var err error
	for attempt := 0; attempt < drainWriteRetries; attempt++ {
		_, err = b.rb.Write(data)
		if err == nil {
			return nil
		}
		b.mu.Unlock()
		time.Sleep(drainRetryDelay)
		b.mu.Lock()
	}

	diagnostics.CaptureSystemInfo("drain buffer write failed")
	return errors.New(err).
		Component("capture").
		Category(errors.CategoryBuffer).
		Context("buffer", b.name).
		Context("data_size", len(data)).
		Context("retries", drainWriteRetries).
		Build()
}

// Read drains up to len(p) bytes.
func (b *StreamBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rb.Length() == 0 {
		return 0, nil
	}
	return b.rb.Read(p)
}

// Length returns the number of buffered bytes.
func (b *StreamBuffer) Length() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rb.Length()
}

// Capacity returns the buffer capacity in bytes.
func (b *StreamBuffer) Capacity() int {
	return b.rb.Capacity()
}

// Reset discards all buffered data.
func (b *StreamBuffer) Reset() {
	b.mu.Lock()
	b.rb.Reset()
	b.mu.Unlock()
}
