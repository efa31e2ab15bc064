package context

import "sync/atomic"

// SwitchLock serializes context switches across processors. A processor
// must acquire the lock before calling Context.SwitchTo; the switch releases
// it once the outgoing register file has been saved.
type SwitchLock struct {
	held atomic.Bool
}

// TryAcquire attempts to take the lock and reports whether it succeeded.
func (l *SwitchLock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock.
func (l *SwitchLock) Release() {
	l.held.Store(false)
}

// Held returns true if a switch is in progress.
func (l *SwitchLock) Held() bool {
	return l.held.Load()
}
