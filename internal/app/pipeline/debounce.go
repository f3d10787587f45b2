package pipeline

import (
	"sync"
	"time"
)

type debounceKey struct {
	source     string
	identifier string
}

// Debouncer collapses repeated scans of the same identifier at the same
// source. The window is measured from the accepted event; duplicates inside
// it do not extend it.
type Debouncer struct {
	window time.Duration

	mu   sync.Mutex
	seen map[debounceKey]time.Time
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window, seen: make(map[debounceKey]time.Time)}
}

// Allow reports whether an event arriving at now should run the pipeline.
func (d *Debouncer) Allow(source, identifier string, now time.Time) bool {
	if d.window <= 0 {
		return true
	}
	k := debounceKey{source: source, identifier: identifier}

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[k]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[k] = now
	return true
}

// Sweep forgets entries whose window has passed and returns how many remain.
func (d *Debouncer) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	return len(d.seen)
}
