// Package stream fans dashboard snapshots out to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream fan-outs values to all active subscribers. The last published value is
// replayed to new subscribers so a freshly opened view renders immediately.
type Stream[T any] struct {
	mu      sync.RWMutex
	subs    map[string]chan T
	last    T
	hasLast bool
	buffer  int
	dropped uint64
}

// New initialises an empty stream. buffer is the per-subscriber channel size.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream[T]{
		subs:   make(map[string]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber and returns its id and a channel which will
// receive values. The channel is closed when the provided context ends.
func (s *Stream[T]) Subscribe(ctx context.Context) (string, <-chan T) {
	ch := make(chan T, s.buffer)
	id := uuid.NewString()

	s.mu.Lock()
	s.subs[id] = ch
	if s.hasLast {
		ch <- s.last
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return id, ch
}

// Publish records v as the last value and fan-outs it to all subscribers.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last, s.hasLast = v, true
	s.fanout(v)
}

// Broadcast fan-outs v without recording it, so it is never replayed.
func (s *Stream[T]) Broadcast(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fanout(v)
}

func (s *Stream[T]) fanout(v T) {
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			// Drop when subscriber is slow to avoid blocking.
			s.dropped++
		}
	}
}

// Last returns the most recently published value.
func (s *Stream[T]) Last() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// Subscribers returns the number of live subscribers.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (s *Stream[T]) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// StartReplay republishes the last value at the provided interval until the
// returned stop function is called. SSE clients use it as a keepalive that also
// refreshes relative timestamps.
func (s *Stream[T]) StartReplay(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if v, ok := s.Last(); ok {
					s.Publish(v)
				}
			}
		}
	}()
	return cancel
}
