// Package notify delivers commit notices from a repository to subscribers.
//
// Each Subscription owns an unbounded FIFO queue so Publish never blocks the
// committer. Subscribers drain their queue at their own pace with Next (which
// honors context cancellation) or TryNext.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/kindstore/internal/ident"
)

// ErrClosed is returned by Next once a subscription is closed and drained.
var ErrClosed = errors.New("notify: subscription closed")

// Notice announces one committed version.
type Notice struct {
	Version int64
	View    string
	Items   []ident.UUID // items written by the commit, in uuid order
	At      time.Time
}

// Bus fans notices out to every open subscription.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription. Notices published before the call
// are not delivered. Subscribing to a closed bus returns a closed subscription.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:     b,
		notices: make([]Notice, 0, 16),
		signal:  make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.signal)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish enqueues n on every subscription and returns immediately.
func (b *Bus) Publish(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.enqueue(n)
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Queued notices stay readable.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Subscription is one subscriber's queue.
type Subscription struct {
	bus *Bus

	mu      sync.Mutex
	notices []Notice
	closed  bool
	signal  chan struct{} // buffered, size 1; closed on Close
}

func (s *Subscription) enqueue(n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.notices = append(s.notices, n)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// TryNext returns the oldest queued notice without blocking.
func (s *Subscription) TryNext() (Notice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.notices) == 0 {
		return Notice{}, false
	}
	n := s.notices[0]
	s.notices[0] = Notice{} // release Items for GC
	if len(s.notices) == 1 {
		s.notices = s.notices[:0]
	} else {
		s.notices = s.notices[1:]
	}
	return n, true
}

// Next blocks until a notice is available, ctx is done, or the subscription
// is closed and drained (ErrClosed).
func (s *Subscription) Next(ctx context.Context) (Notice, error) {
	for {
		if n, ok := s.TryNext(); ok {
			return n, nil
		}
		s.mu.Lock()
		done := s.closed
		s.mu.Unlock()
		if done {
			return Notice{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Notice{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Len returns the number of queued notices.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notices)
}

// Close unsubscribes. Notices already queued can still be read.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.signal)
}
