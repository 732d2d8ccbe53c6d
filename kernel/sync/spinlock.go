// Package sync provides synchronization primitives for future multi-core
// use. The single-CPU bring-up path described by this kernel's core does not
// itself acquire any spinlock; the primitive exists so that device drivers
// and future schedulers built on top of this core have one available.
package sync

import (
	"sync/atomic"

	"nanokernel/kernel/cpu"
)

// PreemptCount is incremented/decremented around critical sections that must
// not be preempted. On the single-CPU target this core runs on, there is
// exactly one such counter; a multi-core port would make this per-CPU.
var PreemptCount int32

// spinPauseAttempts is the number of PAUSE-backed busy-wait iterations
// Acquire performs between each atomic retry attempt.
const spinPauseAttempts = 64

// Spinlock implements a lock where each caller busy-waits until the lock
// becomes available. Re-acquiring a lock already held by the current
// execution context deadlocks, as there is no owner tracking.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired. While waiting it executes
// the x86 PAUSE instruction, which reduces power draw and memory-order
// mis-speculation penalties on a tight retry loop, and is incremented/
// decremented around the critical section via PreemptCount so that a future
// scheduler can tell preemption was suppressed.
func (l *Spinlock) Acquire() {
	atomic.AddInt32(&PreemptCount, 1)
	for {
		if atomic.SwapUint32(&l.state, 1) == 0 {
			return
		}
		for i := 0; i < spinPauseAttempts; i++ {
			cpu.Pause()
		}
	}
}

// TryToAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryToAcquire() bool {
	if atomic.SwapUint32(&l.state, 1) == 0 {
		atomic.AddInt32(&PreemptCount, 1)
		return true
	}
	return false
}

// Release relinquishes a held lock. Calling Release on a free lock has no
// effect beyond decrementing PreemptCount, which callers must not do unless
// they hold the lock.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
	atomic.AddInt32(&PreemptCount, -1)
}
