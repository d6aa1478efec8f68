package workerpool

import (
	"sync"
	"time"
)

// TimerWheel keeps one time.AfterFunc timer per pending transaction, keyed
// by session-id, and fires a callback when a transaction's deadline
// elapses, unless Cancel is called first. Each expiry callback runs on a
// goroutine of its own; there is no dedicated timer goroutine per Diameter
// layer instance.
type TimerWheel struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewTimerWheel creates a TimerWheel. Call Stop when the owning Diameter
// layer instance shuts down to release any still-pending timers.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{timers: make(map[string]*time.Timer)}
}

// Start arms a timer keyed by sessionID; onExpiry runs on its own goroutine
// if the timer is not cancelled first. Re-arming an existing key cancels
// the prior timer.
func (w *TimerWheel) Start(sessionID string, d time.Duration, onExpiry func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if existing, ok := w.timers[sessionID]; ok {
		existing.Stop()
	}
	w.timers[sessionID] = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.timers, sessionID)
		w.mu.Unlock()
		onExpiry()
	})
}

// Cancel stops the timer for sessionID, if any is still pending. Returns
// true if a pending timer was found and stopped (the caller's answer
// arrived before the deadline); false means the timer already fired or was
// never armed (spec §4.5: "any late answer is discarded").
func (w *TimerWheel) Cancel(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.timers[sessionID]
	if !ok {
		return false
	}
	delete(w.timers, sessionID)
	return t.Stop()
}

// Stop cancels every pending timer. Safe to call once during shutdown.
func (w *TimerWheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

// Pending reports how many transaction timers are currently armed.
func (w *TimerWheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
