package capture

import (
	stderrors "errors"

	"github.com/osaudio/capture-go/internal/errors"
)

// Read blocks until p is filled with captured frames, composing repeated
// acquire/copy/release cycles. It returns early with a partial count when
// the wait budget runs out or the session stops; the final view of a
// stopping session is still consumed. Only whole frames are copied.
func (s *Session) Read(p []byte) (int, error) {
	frameSize := s.FrameSize()
	if uint32(len(p)) < frameSize {
		return 0, errors.Newf("capture: read buffer smaller than one frame (%d < %d)",
			len(p), frameSize).
			Component("capture").
			Category(errors.CategoryValidation).
			Build()
	}

	// Generous per-acquire budget; the short quantum keeps each wait
	// individually responsive to stop and recovery.
	waitCount := int(2 * s.policy.RunTimeout / s.policy.WaitQuantum)

	read := 0
	for uint32(len(p)-read) >= frameSize {
		frames := uint32(len(p)-read) / frameSize
		buf, err := s.Acquire(frames, waitCount)
		if buf == nil {
			if read > 0 {
				return read, nil
			}
			return 0, err
		}

		read += copy(p[read:], buf.Data)
		s.Release(buf)

		if err != nil && stderrors.Is(err, ErrStopped) {
			// Session stopped while this view was in flight; hand back
			// what was captured.
			return read, nil
		}
	}
	return read, nil
}
