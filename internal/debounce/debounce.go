// Package debounce batches bursts of events per key and flushes them after
// a quiet period.
package debounce

import (
	"sync"
	"time"
)

type buffer[T any] struct {
	items []T
	timer *time.Timer
}

// Debouncer groups items by key; each new item for a key resets that key's
// timer, so a burst flushes once after the delay elapses.
type Debouncer[T any] struct {
	mu      sync.Mutex
	buffers map[string]*buffer[T]
	stopped bool

	delay   time.Duration
	onFlush func(key string, items []T)
}

// New creates a debouncer flushing through fn after delay of quiet per key.
func New[T any](delay time.Duration, fn func(key string, items []T)) *Debouncer[T] {
	if delay < 0 {
		delay = 0
	}
	return &Debouncer[T]{
		buffers: make(map[string]*buffer[T]),
		delay:   delay,
		onFlush: fn,
	}
}

// Enqueue adds an item under key and restarts the key's quiet-period timer.
// A zero delay flushes immediately.
func (d *Debouncer[T]) Enqueue(key string, item T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.delay == 0 {
		d.mu.Unlock()
		d.onFlush(key, []T{item})
		return
	}

	buf, ok := d.buffers[key]
	if !ok {
		buf = &buffer[T]{}
		d.buffers[key] = buf
	}
	buf.items = append(buf.items, item)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(d.delay, func() { d.Flush(key) })
	d.mu.Unlock()
}

// Flush delivers any pending items for key immediately.
func (d *Debouncer[T]) Flush(key string) {
	d.mu.Lock()
	buf, ok := d.buffers[key]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.buffers, key)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	items := buf.items
	d.mu.Unlock()

	if len(items) > 0 {
		d.onFlush(key, items)
	}
}

// Stop cancels all pending timers; nothing flushes after Stop.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, buf := range d.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(d.buffers, key)
	}
}

// Pending reports how many keys hold undelivered items.
func (d *Debouncer[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}
