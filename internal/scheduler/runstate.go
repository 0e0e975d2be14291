package scheduler

import "sync/atomic"

// runState is the per-user in-flight marker. Acquired at dispatch time and
// released when the run finishes, so overlapping ticks skip instead of
// stacking runs for the same user.
type runState struct {
	running int32
}

func (r *runState) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&r.running, 0, 1)
}

func (r *runState) release() {
	atomic.StoreInt32(&r.running, 0)
}
