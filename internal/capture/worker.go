package capture

import (
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"
)

// Worker gate decisions, guarded by the session lock. The worker must not
// pull data before the owning session's start has fully committed.
const (
	gatePending = iota
	gateProceed
	gateAbort
)

// notificationWorker is the cooperative delivery goroutine: it pulls
// buffers and feeds them to the application callbacks, servicing marker,
// periodic-position and overrun events between pulls.
type notificationWorker struct {
	s        *Session
	gate     int
	gateCond *sync.Cond
	exit     atomic.Bool
	done     chan struct{}

	// Frames still needed to reach the next delivery boundary. Owned by
	// the worker goroutine.
	remainingFrames uint32
}

func newNotificationWorker(s *Session) *notificationWorker {
	return &notificationWorker{
		s:        s,
		gateCond: sync.NewCond(&s.mu),
		done:     make(chan struct{}),
	}
}

// releaseGate commits the gate decision. Caller must hold the session lock.
func (w *notificationWorker) releaseGate(proceed bool) {
	if w.gate != gatePending {
		return
	}
	if proceed {
		w.gate = gateProceed
	} else {
		w.gate = gateAbort
	}
	w.gateCond.Broadcast()
}

// abortGateIfPending aborts a gate nobody will ever release, so a joined
// worker cannot block forever. Caller must hold the session lock.
func (w *notificationWorker) abortGateIfPending() {
	if w.gate == gatePending {
		w.gate = gateAbort
		w.gateCond.Broadcast()
	}
}

// requestExit asks the worker to stop at the next loop boundary. The
// acquire inside the loop unblocks promptly once the session is inactive.
func (w *notificationWorker) requestExit() {
	w.exit.Store(true)
}

// join waits for the worker goroutine to terminate.
func (w *notificationWorker) join() {
	<-w.done
}

func (w *notificationWorker) run() {
	defer close(w.done)

	s := w.s
	s.mu.Lock()
	for w.gate == gatePending {
		w.gateCond.Wait()
	}
	proceed := w.gate == gateProceed
	s.mu.Unlock()
	if !proceed {
		return
	}

	for !w.exit.Load() {
		if !w.processBuffer() {
			return
		}
	}
}

// processBuffer runs one delivery iteration: due position events first,
// then up to remainingFrames of data through the callback. Returns false
// when the loop must terminate.
func (w *notificationWorker) processBuffer() bool {
	s := w.s

	s.mu.Lock()
	user := s.cblk.User()
	cbs := s.cbs

	var markerFired uint32
	fireMarker := false
	if !s.markerReached && s.markerPosition > 0 && user >= s.markerPosition {
		s.markerReached = true
		fireMarker = true
		markerFired = s.markerPosition
	}

	// Catch up every boundary the cursor crossed since the last pass.
	var posEvents []uint32
	if s.updatePeriod > 0 {
		for user >= s.newPosition {
			posEvents = append(posEvents, s.newPosition)
			s.newPosition += s.updatePeriod
		}
	}
	notification := s.notificationFrames
	s.mu.Unlock()

	if s.mets != nil {
		s.mets.RecordWorkerIteration(s.params.SessionID)
	}
	if fireMarker && cbs.OnMarker != nil {
		cbs.OnMarker(markerFired)
		if s.mets != nil {
			s.mets.RecordWorkerEvent(s.params.SessionID, "marker")
		}
	}
	if cbs.OnNewPos != nil {
		for _, p := range posEvents {
			cbs.OnNewPos(p)
			if s.mets != nil {
				s.mets.RecordWorkerEvent(s.params.SessionID, "new_pos")
			}
		}
	}

	if w.remainingFrames == 0 {
		w.remainingFrames = notification
	}
	frames := w.remainingFrames

	for frames > 0 && !w.exit.Load() {
		buf, err := s.Acquire(frames, 1)
		if err != nil {
			switch {
			case stderrors.Is(err, ErrTimedOut):
				// Iteration ends early so timed events stay serviced.
				w.remainingFrames = frames
				return true
			default:
				// Stopped, NoMoreBuffers, or a terminal failure.
				return false
			}
		}

		consumed := cbs.OnMoreData(buf)
		if s.mets != nil {
			s.mets.RecordWorkerEvent(s.params.SessionID, "more_data")
		}
		if consumed <= 0 {
			// The application cannot take data right now; back off instead
			// of busy-looping.
			time.Sleep(s.policy.WaitQuantum)
			break
		}
		if consumed > int(buf.Size) {
			consumed = int(buf.Size)
		}
		consumedFrames := uint32(consumed) / buf.cblk.frameSize
		if consumedFrames == 0 {
			time.Sleep(s.policy.WaitQuantum)
			break
		}
		s.releaseFrames(buf, consumedFrames)
		frames -= consumedFrames
	}

	// Starvation check, edge-triggered per episode.
	s.mu.Lock()
	cblk := s.cblk
	active := s.active
	s.mu.Unlock()
	if active && cblk.FramesAvailable() == 0 {
		if cblk.setOverrun() {
			if cbs.OnOverrun != nil {
				cbs.OnOverrun()
			}
			if s.mets != nil {
				s.mets.RecordOverrun(s.params.SessionID)
				s.mets.RecordWorkerEvent(s.params.SessionID, "overrun")
			}
			s.log.Warn("capture overrun, producer out of ring capacity")
		}
	}

	if frames == 0 {
		w.remainingFrames = notification
	} else {
		w.remainingFrames = frames
	}
	return true
}
