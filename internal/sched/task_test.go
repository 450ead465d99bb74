package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// owner mirrors how components use Task: a mutex around Schedule and Claim.
type owner struct {
	mu    sync.Mutex
	task  Task
	fired atomic.Int32
}

func (o *owner) schedule(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.task.Schedule(d, func(gen uint64) {
		o.mu.Lock()
		ok := o.task.Claim(gen)
		o.mu.Unlock()
		if ok {
			o.fired.Add(1)
		}
	})
}

func TestTask_RescheduleFiresOnce(t *testing.T) {
	o := &owner{}
	for i := 0; i < 200; i++ {
		o.schedule(20 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond)
	if n := o.fired.Load(); n != 1 {
		t.Fatalf("expected exactly one fire, got %d", n)
	}
	o.mu.Lock()
	pending := o.task.Pending()
	o.mu.Unlock()
	if pending {
		t.Fatalf("task still pending after fire")
	}
}

func TestTask_CancelPreventsFire(t *testing.T) {
	o := &owner{}
	o.schedule(10 * time.Millisecond)
	o.mu.Lock()
	if !o.task.Cancel() {
		t.Fatalf("cancel should report a pending schedule")
	}
	if o.task.Cancel() {
		t.Fatalf("second cancel should be a no-op")
	}
	o.mu.Unlock()
	time.Sleep(40 * time.Millisecond)
	if n := o.fired.Load(); n != 0 {
		t.Fatalf("cancelled task fired %d times", n)
	}
}

func TestTask_StaleGenerationCannotClaim(t *testing.T) {
	var task Task
	first := task.Schedule(time.Hour, func(uint64) {})
	second := task.Schedule(time.Hour, func(uint64) {})
	if task.Claim(first) {
		t.Fatalf("superseded generation claimed the task")
	}
	if !task.Claim(second) {
		t.Fatalf("live generation failed to claim")
	}
	if task.Claim(second) {
		t.Fatalf("generation claimed twice")
	}
}
