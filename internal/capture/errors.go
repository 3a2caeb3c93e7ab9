package capture

import (
	stderrors "errors"
)

// Sentinel results of the acquire/release protocol. These are plain
// sentinels so that errors.Is drives the caller's control flow; failures
// worth reporting are built with the enhanced errors package instead.
var (
	// ErrWouldBlock is returned by a non-blocking acquire when no frames
	// are ready.
	ErrWouldBlock = stderrors.New("no frames ready, would block")

	// ErrTimedOut is returned when the wait budget is exhausted without
	// data and without a producer-health failure.
	ErrTimedOut = stderrors.New("timed out waiting for frames")

	// ErrStopped is returned when the session is stopped while a call is
	// in flight, or when recovery fails. Terminal for the call, not for
	// the session.
	ErrStopped = stderrors.New("capture session stopped")

	// ErrNoMoreBuffers is returned when acquire is entered on an inactive
	// session.
	ErrNoMoreBuffers = stderrors.New("capture session inactive, no more buffers")
)
