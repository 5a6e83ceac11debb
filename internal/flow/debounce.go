package flow

import (
	"sync"
	"time"
)

// debouncer holds at most one pending finalize timer per chat. Album photos
// arrive as separate updates; the timer fires after a quiescence window and
// must be cancellable by any transition that invalidates the photo set.
type debouncer struct {
	mu     sync.Mutex
	delay  time.Duration
	timers map[int64]*time.Timer
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:  delay,
		timers: make(map[int64]*time.Timer),
	}
}

// schedule replaces any pending timer for the chat with a fresh one.
func (d *debouncer) schedule(chatID int64, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[chatID]; ok {
		t.Stop()
	}
	d.timers[chatID] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, chatID)
		d.mu.Unlock()
		fn()
	})
}

func (d *debouncer) cancel(chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[chatID]; ok {
		t.Stop()
		delete(d.timers, chatID)
	}
}
