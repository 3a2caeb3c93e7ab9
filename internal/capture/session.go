package capture

import (
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osaudio/capture-go/internal/errors"
	"github.com/osaudio/capture-go/internal/observability/metrics"
)

// Config carries everything a session needs beyond the stream parameters.
// Callbacks, Hooks, Metrics and Logger are optional.
type Config struct {
	Params             StreamParams
	NotificationFrames uint32 // frames per worker delivery, 0 = half the ring
	Callbacks          *Callbacks
	Policy             TimeoutPolicy
	Hooks              Hooks
	Metrics            *metrics.CaptureMetrics
	Logger             *slog.Logger
}

// Session is a consumer-side capture stream: it owns the producer handle
// and the shared control block, replaceable wholesale by recovery, and
// exposes the acquire/release protocol plus start/stop lifecycle.
//
// The session lock guards the (handle, cblk) pair and the active flag so
// every operation sees a consistent generation. It is always taken before
// the control block's own lock.
type Session struct {
	mu   sync.Mutex
	svc  Service
	log  *slog.Logger
	mets *metrics.CaptureMetrics

	handle StreamHandle
	cblk   *ControlBlock

	params StreamParams
	policy TimeoutPolicy
	cbs    *Callbacks
	hooks  Hooks

	active bool
	closed bool

	worker *notificationWorker

	// Position event state, guarded by mu, consumed by the worker.
	notificationFrames uint32
	markerPosition     uint32
	markerReached      bool
	newPosition        uint32
	updatePeriod       uint32
}

// Open negotiates a capture stream with the service and returns a session
// ready to Start. Stream negotiation failures are fatal and never retried.
func Open(svc Service, cfg Config) (*Session, error) {
	if svc == nil {
		return nil, errors.Newf("capture: nil service").
			Component("capture").
			Category(errors.CategoryValidation).
			Build()
	}
	params := cfg.Params
	if params.SampleRate == 0 || params.Channels == 0 {
		return nil, errors.Newf("capture: invalid stream parameters: rate=%d channels=%d",
			params.SampleRate, params.Channels).
			Component("capture").
			Category(errors.CategoryValidation).
			Context("operation", "open").
			Build()
	}
	if params.SessionID == "" {
		params.SessionID = uuid.New().String()
	}

	log := cfg.Logger
	if log == nil {
		log = getLogger()
	}
	log = log.With("session_id", params.SessionID)

	handle, cblk, err := svc.OpenStream(params)
	if err != nil {
		return nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryAudioService).
			Context("operation", "open_stream").
			Context("source", params.Source).
			Build()
	}

	notification := cfg.NotificationFrames
	if notification == 0 || notification > cblk.FrameCount() {
		notification = cblk.FrameCount() / 2
	}

	s := &Session{
		svc:                svc,
		log:                log,
		mets:               cfg.Metrics,
		handle:             handle,
		cblk:               cblk,
		params:             params,
		policy:             cfg.Policy.withDefaults(),
		cbs:                cfg.Callbacks,
		hooks:              cfg.Hooks,
		notificationFrames: notification,
	}

	log.Info("capture stream opened",
		"stream_id", handle.ID(),
		"sample_rate", cblk.SampleRate(),
		"frame_count", cblk.FrameCount(),
		"frame_size", cblk.FrameSize(),
		"source", params.Source)
	return s, nil
}

// Start begins capturing. Idempotent while active. The producer-side start
// call is issued with the session lock released; a dead-connection answer
// triggers an immediate recovery before Start is considered complete.
func (s *Session) Start(mode SyncMode) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Newf("capture: start on closed session").
			Component("capture").
			Category(errors.CategoryState).
			Context("session_id", s.params.SessionID).
			Build()
	}
	if s.active {
		s.mu.Unlock()
		return nil
	}
	prev := s.worker
	s.worker = nil
	s.mu.Unlock()

	// Settle the worker of a previous start before arming a new gate.
	if prev != nil {
		prev.requestExit()
		prev.join()
	}

	s.mu.Lock()
	if s.closed || s.active {
		s.mu.Unlock()
		return nil
	}
	cblk := s.cblk
	s.active = true
	s.newPosition = cblk.User() + s.updatePeriod

	cblk.mu.Lock()
	cblk.waitTime = 0
	cblk.bufferTimeout = s.policy.initialCeiling(mode)
	cblk.mu.Unlock()

	var w *notificationWorker
	if s.cbs != nil && s.cbs.OnMoreData != nil {
		w = newNotificationWorker(s)
		s.worker = w
		go w.run()
	}
	handle := s.handle
	s.mu.Unlock()

	err := s.svc.Start(handle, mode)

	s.mu.Lock()
	if !s.active {
		// A concurrent Stop won the race against the in-flight start
		// call. Its producer stop may have landed before the start did,
		// so compensate; the session stays inactive.
		if w != nil {
			w.releaseGate(false)
			s.worker = nil
		}
		s.mu.Unlock()
		if w != nil {
			w.join()
		}
		if err == nil {
			if serr := s.svc.Stop(handle); serr != nil {
				s.log.Warn("producer stop failed", "stream_id", handle.ID(), "error", serr)
			}
		}
		s.log.Debug("start superseded by concurrent stop")
		return nil
	}
	if stderrors.Is(err, ErrDeadConnection) {
		s.log.Warn("producer dead on start, recovering", "stream_id", handle.ID())
		cblk = s.cblk
		cblk.mu.Lock()
		cblk.markInvalid()
		nc, rerr := s.restoreLocked(cblk)
		nc.mu.Unlock()
		err = rerr
	}
	if err != nil {
		s.active = false
		if w != nil {
			w.releaseGate(false)
			s.worker = nil
		}
		s.mu.Unlock()
		if w != nil {
			w.join()
		}
		return errors.New(err).
			Component("capture").
			Category(errors.CategoryAudioService).
			Context("operation", "start").
			Context("session_id", s.params.SessionID).
			Context("sync_mode", mode.String()).
			Build()
	}
	if w != nil {
		w.releaseGate(true)
	}
	s.mu.Unlock()

	if s.hooks.OnActivate != nil {
		s.hooks.OnActivate()
	}
	s.log.Debug("capture started", "sync_mode", mode.String())
	return nil
}

// Stop ends capturing. Idempotent while inactive. Threads blocked in
// Acquire wake promptly and observe the inactive session; the worker is
// asked to exit and is joined by the next Start or by Close.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.markerReached = false

	cblk := s.cblk
	cblk.mu.Lock()
	cblk.cond.broadcast()
	cblk.mu.Unlock()

	handle := s.handle
	if w := s.worker; w != nil {
		w.requestExit()
	}
	s.mu.Unlock()

	if err := s.svc.Stop(handle); err != nil {
		s.log.Warn("producer stop failed", "stream_id", handle.ID(), "error", err)
	}
	if s.hooks.OnDeactivate != nil {
		s.hooks.OnDeactivate()
	}
	s.log.Debug("capture stopped")
}

// Close stops the session, joins the worker, and releases the stream.
// Must not be called from a worker callback.
func (s *Session) Close() error {
	s.Stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.worker
	s.worker = nil
	if w != nil {
		w.requestExit()
		w.abortGateIfPending()
	}
	s.mu.Unlock()

	if w != nil {
		w.join()
	}
	s.log.Debug("capture session closed")
	return nil
}

// Acquire waits for captured frames and returns a view of at most
// requestedFrames contiguous frames. waitCount bounds the number of wait
// iterations: 0 never blocks (ErrWouldBlock when no data), a negative
// value waits indefinitely, a positive value yields ErrTimedOut once
// exhausted. When the session goes inactive the call unblocks with
// ErrNoMoreBuffers or ErrStopped; a Stopped result may still carry a
// valid final view.
func (s *Session) Acquire(requestedFrames uint32, waitCount int) (*Buffer, error) {
	if requestedFrames == 0 {
		return nil, errors.Newf("capture: acquire of zero frames").
			Component("capture").
			Category(errors.CategoryValidation).
			Build()
	}

	waitStart := time.Now()
	s.mu.Lock()
	cblk := s.cblk

	if cblk.FramesReady() == 0 {
		cblk.mu.Lock()
		for cblk.FramesReady() == 0 {
			if !s.active {
				cblk.mu.Unlock()
				s.mu.Unlock()
				s.recordAcquire("no_more_buffers", waitStart)
				return nil, ErrNoMoreBuffers
			}
			if waitCount == 0 {
				cblk.mu.Unlock()
				s.mu.Unlock()
				s.recordAcquire("would_block", waitStart)
				return nil, ErrWouldBlock
			}

			timedOut := false
			if !cblk.isInvalid() {
				// Drop the session lock for the wait so start/stop and
				// recovery can proceed; reacquire in lock order afterwards.
				s.mu.Unlock()
				signaled := cblk.cond.wait(s.policy.WaitQuantum)
				timedOut = !signaled
				cblk.mu.Unlock()
				s.mu.Lock()
				if !s.active {
					s.mu.Unlock()
					s.recordAcquire("stopped", waitStart)
					return nil, ErrStopped
				}
				cblk.mu.Lock()
			}

			restored := false
			if cblk.isInvalid() {
				nc, err := s.restoreLocked(cblk)
				if err != nil {
					nc.mu.Unlock()
					s.mu.Unlock()
					s.recordAcquire("stopped", waitStart)
					return nil, err
				}
				cblk = nc
				restored = true
			} else if timedOut {
				cblk.waitTime += s.policy.WaitQuantum
				if cblk.waitTime >= cblk.bufferTimeout {
					s.log.Warn("no frames from producer, nudging",
						"waited", cblk.waitTime.String(),
						"stream_id", s.handle.ID())
					handle := s.handle
					cblk.mu.Unlock()
					nerr := s.svc.Start(handle, SyncSame)
					cblk.mu.Lock()
					switch {
					case nerr == nil:
						s.recordHealthCheck("ok")
					case stderrors.Is(nerr, ErrDeadConnection):
						s.recordHealthCheck("dead_connection")
						cblk.markInvalid()
						nc, err := s.restoreLocked(cblk)
						if err != nil {
							nc.mu.Unlock()
							s.mu.Unlock()
							s.recordAcquire("stopped", waitStart)
							return nil, err
						}
						cblk = nc
						restored = true
					default:
						s.recordHealthCheck("error")
						s.log.Warn("producer nudge failed", "error", nerr)
					}
					cblk.waitTime = 0
				}
			}

			if timedOut || restored {
				waitCount--
				if waitCount == 0 {
					cblk.mu.Unlock()
					s.mu.Unlock()
					s.recordAcquire("timed_out", waitStart)
					return nil, ErrTimedOut
				}
			}
		}
		cblk.mu.Unlock()
	}

	// Data is ready; reset the adaptive timeout to its steady-state value.
	cblk.waitTime = 0
	cblk.bufferTimeout = s.policy.RunTimeout

	frames := requestedFrames
	if ready := cblk.FramesReady(); frames > ready {
		frames = ready
	}
	u := cblk.User()
	frames = cblk.contiguousReadable(u, frames)

	buf := &Buffer{
		FrameCount: frames,
		Size:       frames * cblk.frameSize,
		Format:     s.params.Format,
		Channels:   s.params.Channels,
		Data:       cblk.sliceAt(u, frames),
		cblk:       cblk,
	}
	active := s.active
	s.mu.Unlock()

	s.recordAcquire("ok", waitStart)
	if s.mets != nil {
		s.mets.RecordFramesAcquired(s.params.SessionID, int(frames))
	}
	if !active {
		// Final view of a stopping session: still valid, but the caller
		// must not ask for more.
		return buf, ErrStopped
	}
	return buf, nil
}

// Release returns an acquired view to the ring, advancing the consumer
// cursor by the view's frame count. The view is dead afterwards.
func (s *Session) Release(buf *Buffer) {
	if buf == nil || buf.cblk == nil {
		return
	}
	if buf.FrameCount > 0 {
		buf.cblk.stepUser(buf.FrameCount)
		if s.mets != nil {
			s.mets.RecordFramesReleased(s.params.SessionID, int(buf.FrameCount))
		}
	}
	buf.cblk = nil
	buf.Data = nil
	buf.FrameCount = 0
	buf.Size = 0
}

// releaseFrames returns only the first consumedFrames of a view, leaving
// the rest readable. Used by the worker when the callback consumes less
// than it was offered.
func (s *Session) releaseFrames(buf *Buffer, consumedFrames uint32) {
	if buf == nil || buf.cblk == nil || consumedFrames == 0 {
		return
	}
	if consumedFrames > buf.FrameCount {
		consumedFrames = buf.FrameCount
	}
	buf.cblk.stepUser(consumedFrames)
	if s.mets != nil {
		s.mets.RecordFramesReleased(s.params.SessionID, int(consumedFrames))
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.params.SessionID }

// SampleRate returns the stream sample rate in Hz.
func (s *Session) SampleRate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cblk.SampleRate()
}

// Format returns the PCM sample format.
func (s *Session) Format() SampleFormat { return s.params.Format }

// Channels returns the channel count.
func (s *Session) Channels() uint32 { return s.params.Channels }

// FrameCount returns the ring capacity in frames.
func (s *Session) FrameCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cblk.FrameCount()
}

// FrameSize returns the size of one frame in bytes.
func (s *Session) FrameSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cblk.FrameSize()
}

// Latency returns the end-to-end buffering latency implied by the ring
// capacity.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.cblk.FrameCount()) * time.Second / time.Duration(s.cblk.SampleRate())
}

// Position returns the consumer cursor in frames.
func (s *Session) Position() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cblk.User()
}

// Active reports whether Start has been called and Stop has not.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LostFrames returns and resets the count of frames dropped by the
// producer because the ring was full.
func (s *Session) LostFrames() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cblk.TakeLostFrames()
}

// SetMarkerPosition arms a one-shot marker event at the given consumer
// cursor position. Position 0 disarms. Requires a position callback.
func (s *Session) SetMarkerPosition(position uint32) error {
	if !s.cbs.hasEventCallbacks() {
		return errors.Newf("capture: marker position without a callback").
			Component("capture").
			Category(errors.CategoryState).
			Build()
	}
	s.mu.Lock()
	s.markerPosition = position
	s.markerReached = false
	s.mu.Unlock()
	return nil
}

// MarkerPosition returns the armed marker position, 0 when disarmed.
func (s *Session) MarkerPosition() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markerPosition
}

// SetPositionUpdatePeriod arms periodic position events every period
// frames of consumer progress. Period 0 disarms. Requires a position
// callback.
func (s *Session) SetPositionUpdatePeriod(period uint32) error {
	if !s.cbs.hasEventCallbacks() {
		return errors.Newf("capture: update period without a callback").
			Component("capture").
			Category(errors.CategoryState).
			Build()
	}
	s.mu.Lock()
	s.updatePeriod = period
	s.newPosition = s.cblk.User() + period
	s.mu.Unlock()
	return nil
}

// PositionUpdatePeriod returns the periodic event period, 0 when disarmed.
func (s *Session) PositionUpdatePeriod() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePeriod
}

func (s *Session) recordAcquire(result string, waitStart time.Time) {
	if s.mets == nil {
		return
	}
	s.mets.RecordAcquire(s.params.SessionID, result)
	s.mets.RecordAcquireWait(s.params.SessionID, time.Since(waitStart).Seconds())
}

func (s *Session) recordHealthCheck(result string) {
	if s.mets != nil {
		s.mets.RecordHealthCheck(s.params.SessionID, result)
	}
}
