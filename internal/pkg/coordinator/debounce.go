package coordinator

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// debouncer runs fn immediately on the first call, then at most once more at
// the end of each cooldown window no matter how many calls arrived in it.
type debouncer struct {
	clock    clock.WithDelayedExecution
	cooldown time.Duration
	fn       func()

	mu      sync.Mutex
	timer   clock.Timer
	pending bool
	stopped bool
}

func newDebouncer(c clock.WithDelayedExecution, cooldown time.Duration, fn func()) *debouncer {
	return &debouncer{clock: c, cooldown: cooldown, fn: fn}
}

func (d *debouncer) call() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.pending = true
		d.mu.Unlock()
		return
	}
	d.timer = d.clock.AfterFunc(d.cooldown, d.expire)
	d.mu.Unlock()

	go d.fn()
}

// expire must not touch the clock synchronously, fake clocks run AfterFunc
// callbacks while holding their own lock.
func (d *debouncer) expire() {
	go d.cooldownDone()
}

func (d *debouncer) cooldownDone() {
	d.mu.Lock()
	d.timer = nil
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = d.clock.AfterFunc(d.cooldown, d.expire)
	d.mu.Unlock()

	d.fn()
}

func (d *debouncer) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
