// ABOUTME: In-memory fan-out of session status changes keyed by session id
// ABOUTME: Non-blocking publish; slow subscribers lose stale events but always see terminal states

package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const watcherBufferSize = 16

// Watcher delivers Status snapshots to subscribers of a session id.
type Watcher struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan Status // sessionID -> subID -> ch
	logger *slog.Logger
}

// NewWatcher creates a watcher. Pass nil logger for default.
func NewWatcher(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		subs:   make(map[string]map[string]chan Status),
		logger: logger.With("component", "watcher"),
	}
}

// Subscribe registers for sessionID's status changes. The returned cancel
// function unsubscribes and closes the channel; it is safe to call twice.
func (w *Watcher) Subscribe(sessionID string) (<-chan Status, func()) {
	subID := uuid.NewString()
	ch := make(chan Status, watcherBufferSize)

	w.mu.Lock()
	if _, ok := w.subs[sessionID]; !ok {
		w.subs[sessionID] = make(map[string]chan Status)
	}
	w.subs[sessionID][subID] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { w.unsubscribe(sessionID, subID) })
	}
}

// Publish sends st to every subscriber of st.SessionID without blocking.
// A full subscriber drops st, unless st is terminal: then the oldest
// buffered event is evicted to make room.
func (w *Watcher) Publish(st Status) {
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, ch := range w.subs[st.SessionID] {
		if st.State.Terminal() {
			w.force(ch, st)
			continue
		}
		select {
		case ch <- st:
		default:
			w.logger.Debug("dropped status for slow subscriber",
				"session_id", st.SessionID,
				"state", st.State)
		}
	}
}

func (w *Watcher) force(ch chan Status, st Status) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case old := <-ch:
			w.logger.Debug("evicted status for terminal update",
				"session_id", st.SessionID,
				"evicted_state", old.State,
				"state", st.State)
		default:
		}
	}
}

// Subscribers returns how many subscribers sessionID has.
func (w *Watcher) Subscribers(sessionID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subs[sessionID])
}

func (w *Watcher) unsubscribe(sessionID, subID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	subs, ok := w.subs[sessionID]
	if !ok {
		return
	}
	if ch, exists := subs[subID]; exists {
		delete(subs, subID)
		close(ch)
	}
	if len(subs) == 0 {
		delete(w.subs, sessionID)
	}
}

// Close closes every subscriber channel.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, subs := range w.subs {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(w.subs, id)
	}
}
