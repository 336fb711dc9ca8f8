// ABOUTME: Thread-safe TTL window for suppressing duplicate webhook deliveries.
// ABOUTME: Entries expire after the TTL; the oldest are evicted when the window is full.

package dedupe

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// slot is one insertion in the eviction queue. A key re-marked later gets a
// new slot with a higher generation; the older slot is skipped on eviction.
type slot struct {
	key string
	gen uint64
}

type entry struct {
	seenAt time.Time
	gen    uint64
}

// Window tracks keys seen within a TTL, bounded to maxSize live keys.
type Window struct {
	mu      sync.Mutex
	seen    map[string]entry
	order   *queue.Queue // slots, oldest at the front
	gen     uint64
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a window with the given TTL and capacity and starts a
// background goroutine that drops expired keys once a minute.
func New(ttl time.Duration, maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	w := &Window{
		seen:    make(map[string]entry),
		order:   queue.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.cleanup()
	return w
}

// Key scopes an item id to a session so equal ids from different sessions
// never collide.
func Key(sessionID, itemID string) string {
	return sessionID + "\x00" + itemID
}

// Seen reports whether key was marked and has not expired.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.seen[key]
	return ok && w.now().Sub(e.seenAt) < w.ttl
}

// CheckAndMark marks key and reports whether it was already present.
// The check and the mark happen under one lock, so exactly one of several
// concurrent callers with the same key gets false.
func (w *Window) CheckAndMark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.seen[key]; ok && w.now().Sub(e.seenAt) < w.ttl {
		return true
	}
	w.markLocked(key)
	return false
}

// Mark records key as seen, refreshing its TTL if present.
func (w *Window) Mark(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markLocked(key)
}

// Forget removes key so a later delivery of the same item is not suppressed.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, key)
}

// Len returns the number of tracked keys, including expired ones not yet
// cleaned up.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) markLocked(key string) {
	if _, exists := w.seen[key]; !exists {
		for len(w.seen) >= w.maxSize && w.order.Length() > 0 {
			w.evictOldestLocked()
		}
	}

	w.gen++
	w.seen[key] = entry{seenAt: w.now(), gen: w.gen}
	w.order.Add(slot{key: key, gen: w.gen})

	// Refreshes leave stale slots behind; rebuild when they dominate.
	if w.order.Length() > 2*w.maxSize {
		w.compactLocked()
	}
}

// evictOldestLocked pops slots until one that is still current is removed.
func (w *Window) evictOldestLocked() {
	for w.order.Length() > 0 {
		s := w.order.Remove().(slot)
		if e, ok := w.seen[s.key]; ok && e.gen == s.gen {
			delete(w.seen, s.key)
			return
		}
	}
}

func (w *Window) compactLocked() {
	fresh := queue.New()
	for w.order.Length() > 0 {
		s := w.order.Remove().(slot)
		if e, ok := w.seen[s.key]; ok && e.gen == s.gen {
			fresh.Add(s)
		}
	}
	w.order = fresh
}

func (w *Window) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.purgeExpired()
		case <-w.done:
			return
		}
	}
}

// purgeExpired drops expired keys. Slots are in insertion order, so the scan
// stops at the first slot that is still live.
func (w *Window) purgeExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for w.order.Length() > 0 {
		s := w.order.Peek().(slot)
		e, ok := w.seen[s.key]
		if ok && e.gen == s.gen {
			if now.Sub(e.seenAt) < w.ttl {
				return
			}
			delete(w.seen, s.key)
		}
		w.order.Remove()
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
