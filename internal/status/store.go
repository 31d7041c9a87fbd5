// Package status is the process-scoped connection status broadcast. It has
// exactly one active writer and any number of readers; readers treat the last
// published value as the single source of truth.
package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the connection status of the active subscription.
type State string

const (
	Idle            State = "idle"
	WSConnecting    State = "ws-connecting"
	WSConnected     State = "ws-connected"
	PollingFallback State = "polling-fallback"
)

// Update is one published status value.
type Update struct {
	State    State     `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	Resource string    `json:"resource,omitempty"`
	Owner    string    `json:"owner,omitempty"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
}

// Store caches the last published Update and fans it out to subscribers.
type Store struct {
	mu       sync.RWMutex
	current  Update
	sequence uint64
	writer   *Writer
	readers  map[*reader]bool
	logger   *zap.Logger
}

type reader struct {
	ch chan Update
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		current: Update{State: Idle},
		readers: make(map[*reader]bool),
		logger:  logger,
	}
}

// Current returns the last published value.
func (s *Store) Current() Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe returns a channel that immediately yields the current value and
// then every later one. A slow reader only ever misses intermediate values,
// never the latest. The channel is closed when ctx is done.
func (s *Store) Subscribe(ctx context.Context) <-chan Update {
	r := &reader{ch: make(chan Update, 1)}

	s.mu.Lock()
	r.ch <- s.current
	s.readers[r] = true
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.readers, r)
		close(r.ch)
		s.mu.Unlock()
	}()

	return r.ch
}

// Acquire makes a new writer the only one allowed to publish. Any previous
// writer is superseded and its later publishes are dropped.
func (s *Store) Acquire(owner string) *Writer {
	w := &Writer{store: s, owner: owner}

	s.mu.Lock()
	prev := s.writer
	s.writer = w
	s.mu.Unlock()

	if prev != nil && prev.owner != owner {
		s.logger.Debug("status writer superseded",
			zap.String("previous", prev.owner),
			zap.String("owner", owner),
		)
	}
	return w
}

func (s *Store) publish(w *Writer, u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != w {
		return false
	}

	s.sequence++
	u.Sequence = s.sequence
	u.Owner = w.owner
	if u.At.IsZero() {
		u.At = time.Now()
	}
	s.current = u

	for r := range s.readers {
		// Replace any unread value so the reader always sees the newest.
		select {
		case <-r.ch:
		default:
		}
		r.ch <- u
	}
	return true
}

func (s *Store) release(w *Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == w {
		s.writer = nil
	}
}

// Writer is the publishing handle held by one failover controller
// subscription.
type Writer struct {
	store *Store
	owner string
}

// Publish records a new status. It reports false if this writer has been
// superseded or released.
func (w *Writer) Publish(state State, reason, resource string) bool {
	return w.store.publish(w, Update{State: state, Reason: reason, Resource: resource})
}

// Release gives up the right to publish. Safe to call more than once.
func (w *Writer) Release() {
	w.store.release(w)
}

// Active reports whether this writer may still publish.
func (w *Writer) Active() bool {
	w.store.mu.RLock()
	defer w.store.mu.RUnlock()
	return w.store.writer == w
}
