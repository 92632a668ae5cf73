package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"majority-vote-service/internal/domain"
)

// subscriberBuffer is the per-topic backlog a subscriber may fall behind by
// before its oldest events are dropped.
const subscriberBuffer = 32

var errSessionClosed = errors.New("room session closed")

type operation struct {
	ctx    context.Context
	fn     func(ctx context.Context, s *Session) error
	result chan error
}

// Session is the in-process coordinator of one room. A single goroutine runs
// every mutating operation for the room in arrival order; subscribers receive
// the events those operations publish.
type Session struct {
	now func() time.Time

	ops       chan operation
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu          sync.RWMutex
	lastActive  time.Time
	subscribers map[*Subscription]struct{}
}

func newSession() *Session {
	return newSessionWithClock(time.Now)
}

// newSessionWithClock allows deterministic timestamps in tests.
func newSessionWithClock(now func() time.Time) *Session {
	s := &Session{
		now:         now,
		ops:         make(chan operation),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		lastActive:  now(),
		subscribers: make(map[*Subscription]struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case op := <-s.ops:
			op.result <- op.fn(op.ctx, s)
			s.touch()
		case <-s.stop:
			return
		}
	}
}

// do runs fn on the session goroutine and waits for it. Once fn has been
// accepted it always runs to completion, even if ctx is canceled meanwhile.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	op := operation{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case s.ops <- op:
	case <-s.stopped:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-op.result
}

// Close stops the session goroutine after any running operation finishes and
// ends all subscriptions.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.stopped

		s.mu.Lock()
		for sub := range s.subscribers {
			sub.closeLocked()
		}
		s.subscribers = make(map[*Subscription]struct{})
		s.mu.Unlock()
	})
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// Idle reports whether the session has no subscribers and no activity since cutoff.
func (s *Session) Idle(cutoff time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers) == 0 && s.lastActive.Before(cutoff)
}

// Subscription delivers one room's events on three independent streams.
// Each event carries the full row, so a consumer only needs the latest one
// per row; after a reconnect it must fetch a fresh snapshot.
type Subscription struct {
	Rooms   <-chan domain.Event
	Players <-chan domain.Event
	Answers <-chan domain.Event

	rooms   chan domain.Event
	players chan domain.Event
	answers chan domain.Event

	session *Session
	closed  bool
}

// subscribe fails with errSessionClosed once Close has begun, so a caller
// never holds streams that nothing will feed or close.
func (s *Session) subscribe() (*Subscription, error) {
	sub := &Subscription{
		rooms:   make(chan domain.Event, subscriberBuffer),
		players: make(chan domain.Event, subscriberBuffer),
		answers: make(chan domain.Event, subscriberBuffer),
		session: s,
	}
	sub.Rooms, sub.Players, sub.Answers = sub.rooms, sub.players, sub.answers

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
		return nil, errSessionClosed
	default:
	}
	s.subscribers[sub] = struct{}{}
	s.lastActive = s.now()
	return sub, nil
}

// Cancel stops delivery and closes the channels. It is safe to call more than once.
func (sub *Subscription) Cancel() {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, sub)
	sub.closeLocked()
	s.lastActive = s.now()
}

func (sub *Subscription) closeLocked() {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.rooms)
	close(sub.players)
	close(sub.answers)
}

func (sub *Subscription) stream(topic domain.Topic) chan domain.Event {
	switch topic {
	case domain.TopicPlayer:
		return sub.players
	case domain.TopicAnswer:
		return sub.answers
	default:
		return sub.rooms
	}
}

// broadcast hands events to every subscriber without blocking. A full stream
// drops its oldest event to make room for the newest.
func (s *Session) broadcast(events ...domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		for sub := range s.subscribers {
			ch := sub.stream(ev.Topic())
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}
