package capture

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osaudio/capture-go/internal/errors"
)

const loopbackDefaultFrames = 4096

// LoopbackService is an in-process producer implementing Service: a
// generator goroutine writes a test tone (or silence) into the control
// block in real time. It backs the monitor command and exercises the full
// consumption protocol without touching OS capture devices.
type LoopbackService struct {
	mu      sync.Mutex
	streams map[string]*loopbackStream

	// ToneHz selects the generated sine frequency; 0 produces silence.
	ToneHz float64
	// Tick is the production cadence; the zero value means 10ms.
	Tick time.Duration
}

type loopbackStream struct {
	id     string
	params StreamParams
	cblk   *ControlBlock

	running bool
	stop    chan struct{}
	done    chan struct{}
	phase   float64
}

func (h *loopbackStream) ID() string { return h.id }

// NewLoopbackService returns a loopback producer generating a tone at the
// given frequency, or silence when toneHz is 0.
func NewLoopbackService(toneHz float64) *LoopbackService {
	return &LoopbackService{
		streams: make(map[string]*loopbackStream),
		ToneHz:  toneHz,
	}
}

// OpenStream implements Service.
func (l *LoopbackService) OpenStream(params StreamParams) (StreamHandle, *ControlBlock, error) {
	if params.FrameCount == 0 {
		params.FrameCount = loopbackDefaultFrames
	}
	region, err := NewRegion(params.FrameCount, params.FrameSize(), params.SampleRate)
	if err != nil {
		return nil, nil, err
	}

	st := &loopbackStream{
		id:     uuid.New().String(),
		params: params,
		cblk:   NewControlBlock(region),
	}

	l.mu.Lock()
	l.streams[st.id] = st
	l.mu.Unlock()
	return st, st.cblk, nil
}

// Start implements Service. Idempotent while the stream is running.
func (l *LoopbackService) Start(h StreamHandle, _ SyncMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.streams[h.ID()]
	if !ok {
		return ErrDeadConnection
	}
	if st.running {
		return nil
	}
	st.running = true
	st.stop = make(chan struct{})
	st.done = make(chan struct{})
	go l.generate(st, st.stop, st.done)
	return nil
}

// Stop implements Service.
func (l *LoopbackService) Stop(h StreamHandle) error {
	l.mu.Lock()
	st, ok := l.streams[h.ID()]
	if !ok {
		l.mu.Unlock()
		return ErrDeadConnection
	}
	var done chan struct{}
	if st.running {
		st.running = false
		close(st.stop)
		done = st.done
	}
	l.mu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

// Close stops every stream the service still owns.
func (l *LoopbackService) Close() error {
	l.mu.Lock()
	streams := make([]*loopbackStream, 0, len(l.streams))
	for _, st := range l.streams {
		streams = append(streams, st)
	}
	l.mu.Unlock()

	var errs []error
	for _, st := range streams {
		if err := l.Stop(st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *LoopbackService) generate(st *loopbackStream, stop, done chan struct{}) {
	defer close(done)

	tick := l.Tick
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	framesPerTick := uint32(uint64(st.params.SampleRate) * uint64(tick) / uint64(time.Second))
	if framesPerTick == 0 {
		framesPerTick = 1
	}
	chunk := make([]byte, framesPerTick*st.params.FrameSize())

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.fill(st, chunk)
			st.cblk.Produce(chunk)
		}
	}
}

// fill renders one chunk of the tone into buf, advancing the phase.
func (l *LoopbackService) fill(st *loopbackStream, buf []byte) {
	if l.ToneHz <= 0 {
		for i := range buf {
			buf[i] = 0
		}
		if st.params.Format == FormatU8 {
			for i := range buf {
				buf[i] = 128
			}
		}
		return
	}

	step := 2 * math.Pi * l.ToneHz / float64(st.params.SampleRate)
	frameSize := int(st.params.FrameSize())
	for off := 0; off+frameSize <= len(buf); off += frameSize {
		v := math.Sin(st.phase)
		st.phase += step
		for ch := uint32(0); ch < st.params.Channels; ch++ {
			switch st.params.Format {
			case FormatU8:
				buf[off+int(ch)] = byte(128 + v*100)
			default:
				s := int16(v * 0.5 * math.MaxInt16)
				binary.LittleEndian.PutUint16(buf[off+int(ch)*2:], uint16(s))
			}
		}
	}
	if st.phase > 2*math.Pi {
		st.phase -= 2 * math.Pi
	}
}
