package sched

import "time"

// Task is a cancellable one-shot timer that holds at most one live schedule.
//
// Task is not safe for concurrent use. Owners guard it with their own mutex and,
// from the fire callback, call Claim under that same mutex before acting. A
// schedule that was cancelled or superseded fails Claim, so a timer that had
// already fired when it was cancelled never runs its work.
type Task struct {
	timer *time.Timer
	gen   uint64
	armed bool
}

// Schedule cancels any pending schedule and arms a new one. fn receives the
// generation to pass to Claim.
func (t *Task) Schedule(d time.Duration, fn func(gen uint64)) uint64 {
	t.Cancel()
	t.gen++
	gen := t.gen
	t.armed = true
	t.timer = time.AfterFunc(d, func() { fn(gen) })
	return gen
}

// Cancel disarms the pending schedule. It reports whether one was pending.
func (t *Task) Cancel() bool {
	if !t.armed {
		return false
	}
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return true
}

// Claim reports whether gen is the live schedule and disarms it.
func (t *Task) Claim(gen uint64) bool {
	if !t.armed || gen != t.gen {
		return false
	}
	t.armed = false
	t.timer = nil
	return true
}

// Pending reports whether a schedule is armed.
func (t *Task) Pending() bool { return t.armed }
