package capture

import (
	"time"
)

// restoreLocked rebuilds a dead producer connection. Called with the
// session lock and old.mu held; returns with the session lock and the
// returned block's lock held. On success the returned block is the
// session's current one; on failure the old block is returned with
// ErrStopped and the session has been marked inactive (leader failure) or
// left as the successful recovery published it.
//
// The first caller to claim the block's restoring flag is the leader: it
// flushes waiters off the dead block, rebuilds the stream with identical
// parameters while still holding the session lock (serializing the
// publish of the new pair), and finally marks the old block restored so
// followers wake. Followers wait, bounded, for that mark and then re-read
// the session's current block.
func (s *Session) restoreLocked(old *ControlBlock) (*ControlBlock, error) {
	if old.beginRestore() {
		return s.restoreLead(old)
	}
	return s.restoreFollow(old)
}

func (s *Session) restoreLead(old *ControlBlock) (*ControlBlock, error) {
	s.log.Warn("rebuilding dead capture stream", "stream_id", s.handle.ID())

	// Wake everyone off the dead block before the slow rebuild.
	old.cond.broadcast()
	old.mu.Unlock()

	handle, fresh, err := s.svc.OpenStream(s.params)
	if err == nil {
		err = s.svc.Start(handle, SyncSame)
		if err != nil && fresh != nil {
			_ = s.svc.Stop(handle)
		}
	}
	if err == nil {
		fresh.mu.Lock()
		fresh.bufferTimeout = s.policy.RunTimeout
		fresh.mu.Unlock()
		// Publish the new generation; readers snapshot the pair under the
		// session lock, which we never released.
		s.handle = handle
		s.cblk = fresh
	} else {
		s.active = false
		s.log.Error("capture stream rebuild failed", "error", err)
	}

	old.mu.Lock()
	old.markRestored()
	old.cond.broadcast()
	old.mu.Unlock()

	if err != nil {
		s.recordRecovery("leader", "failure")
		old.mu.Lock()
		return old, ErrStopped
	}

	s.recordRecovery("leader", "success")
	s.log.Info("capture stream rebuilt", "stream_id", handle.ID())
	fresh.mu.Lock()
	return fresh, nil
}

func (s *Session) restoreFollow(old *ControlBlock) (*ControlBlock, error) {
	// Wait on the old block only; the session lock must not be held
	// across the wait or the leader could never publish.
	s.mu.Unlock()

	deadline := time.Now().Add(s.policy.RestoreTimeout)
	waited := true
	for !old.isRestored() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			waited = false
			break
		}
		old.cond.wait(remaining)
	}
	old.mu.Unlock()

	s.mu.Lock()
	if !waited {
		s.recordRecovery("follower", "timeout")
		s.log.Warn("timed out waiting for stream rebuild")
		old.mu.Lock()
		return old, ErrStopped
	}
	if !s.active || s.cblk == old {
		// The leader's rebuild did not produce a usable stream.
		s.recordRecovery("follower", "failure")
		old.mu.Lock()
		return old, ErrStopped
	}

	s.recordRecovery("follower", "success")
	cur := s.cblk
	cur.mu.Lock()
	return cur, nil
}

func (s *Session) recordRecovery(role, outcome string) {
	if s.mets != nil {
		s.mets.RecordRecovery(s.params.SessionID, role, outcome)
	}
}
