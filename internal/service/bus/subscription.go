package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trafficwatch/internal/model"
)

// Subscription is one consumer's bounded delivery queue.
type Subscription struct {
	bus      *Bus
	topic    string
	name     string
	capacity int
	policy   DropPolicy
	timeout  time.Duration
	handler  Handler

	mu        sync.Mutex
	queue     []model.Event
	scheduled bool
	closed    bool
	closeOnce sync.Once

	notify chan struct{} // wakes Receive
	space  chan struct{} // wakes blocked publishers
	idle   chan struct{} // closed when the queue empties; nil until WaitIdle needs it
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	stalled   atomic.Uint64
	lost      atomic.Uint64
}

func newSubscription(b *Bus, topic, name string, capacity int, policy DropPolicy, timeout time.Duration, handler Handler) *Subscription {
	return &Subscription{
		bus:      b,
		topic:    topic,
		name:     name,
		capacity: capacity,
		policy:   policy,
		timeout:  timeout,
		handler:  handler,
		queue:    make([]model.Event, 0, capacity),
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Subscription) Topic() string { return s.topic }
func (s *Subscription) Name() string  { return s.name }

// push enqueues e according to the subscription's policy.
func (s *Subscription) push(e model.Event) error {
	droppable := model.Droppable(e)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if len(s.queue) < s.capacity {
		s.appendLocked(e)
		return nil
	}

	if droppable {
		switch s.policy {
		case DropNewest:
			s.mu.Unlock()
			s.countDrop()
			return nil
		case DropOldest:
			if s.evictFrameLocked() {
				s.countDrop()
				s.appendLocked(e)
				return nil
			}
			// Queue holds only critical events; the new frame loses.
			s.mu.Unlock()
			s.countDrop()
			return nil
		}
	}
	s.mu.Unlock()

	return s.waitAndPush(e, droppable)
}

// waitAndPush waits up to the block timeout for room. Frames then fail with
// ErrBackpressure; critical events evict a queued frame if one exists and
// only fail with ErrSubscriberStalled when the queue is all critical events.
func (s *Subscription) waitAndPush(e model.Event, droppable bool) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.space:
		case <-s.done:
			return nil
		case <-timer.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return nil
			}
			if len(s.queue) < s.capacity {
				s.appendLocked(e)
				return nil
			}
			if droppable {
				s.mu.Unlock()
				s.countDrop()
				return ErrBackpressure
			}
			if s.evictFrameLocked() {
				s.countDrop()
				s.appendLocked(e)
				return nil
			}
			s.mu.Unlock()
			s.stalled.Add(1)
			s.bus.stalled.Add(1)
			return fmt.Errorf("%w: %s", ErrSubscriberStalled, e.Kind())
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		if len(s.queue) < s.capacity {
			s.appendLocked(e)
			return nil
		}
		s.mu.Unlock()
	}
}

// appendLocked adds e, wakes the consumer and releases s.mu.
func (s *Subscription) appendLocked(e model.Event) {
	s.queue = append(s.queue, e)

	schedule := false
	if s.handler != nil && !s.scheduled {
		s.scheduled = true
		schedule = true
	}
	s.mu.Unlock()

	if schedule {
		s.bus.schedule(s)
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// evictFrameLocked removes the oldest queued frame event.
func (s *Subscription) evictFrameLocked() bool {
	for i, queued := range s.queue {
		if model.Droppable(queued) {
			copy(s.queue[i:], s.queue[i+1:])
			s.queue[len(s.queue)-1] = nil
			s.queue = s.queue[:len(s.queue)-1]
			return true
		}
	}
	return false
}

func (s *Subscription) popLocked() model.Event {
	e := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	if len(s.queue) == 0 && !s.scheduled {
		s.signalIdleLocked()
	}
	return e
}

// signalIdleLocked wakes WaitIdle callers.
func (s *Subscription) signalIdleLocked() {
	if s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

func (s *Subscription) signalSpace() {
	select {
	case s.space <- struct{}{}:
	default:
	}
}

func (s *Subscription) countDrop() {
	s.dropped.Add(1)
	s.bus.dropped.Add(1)
}

// drain delivers up to max queued events to the handler, then either yields
// the subscription back to the pool or marks it idle.
func (s *Subscription) drain(ctx context.Context, max int) {
	for i := 0; i < max; i++ {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.scheduled = false
			s.signalIdleLocked()
			s.mu.Unlock()
			return
		}
		e := s.popLocked()
		s.mu.Unlock()

		s.signalSpace()
		s.invoke(ctx, e)
	}

	s.mu.Lock()
	if s.closed || len(s.queue) == 0 {
		s.scheduled = false
		s.signalIdleLocked()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.bus.schedule(s)
}

func (s *Subscription) invoke(ctx context.Context, e model.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.handlerErrors.Add(1)
			s.bus.logger.Error("Subscriber %s panicked on %s event: %v", s.name, e.Kind(), r)
		}
	}()

	s.delivered.Add(1)
	if err := s.handler(ctx, e); err != nil {
		s.bus.handlerErrors.Add(1)
		s.bus.logger.Warning("Subscriber %s failed on %s event for session %s: %v", s.name, e.Kind(), e.Session(), err)
	}
}

// Receive blocks until an event is queued, the subscription closes or ctx ends.
func (s *Subscription) Receive(ctx context.Context) (model.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.popLocked()
			s.mu.Unlock()
			s.delivered.Add(1)
			s.signalSpace()
			return e, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceive returns the next queued event without blocking.
func (s *Subscription) TryReceive() (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	e := s.popLocked()
	s.delivered.Add(1)
	s.signalSpace()
	return e, true
}

// Idle reports whether the queue is empty and no handler call is in flight.
func (s *Subscription) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || (len(s.queue) == 0 && !s.scheduled)
}

// WaitIdle blocks until Idle is true, the subscription closes or ctx ends.
func (s *Subscription) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.closed || (len(s.queue) == 0 && !s.scheduled) {
			s.mu.Unlock()
			return nil
		}
		if s.idle == nil {
			s.idle = make(chan struct{})
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dropped returns how many events this subscription has lost to its drop
// policy. A consumer that sees it grow knows its event stream has a gap.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Stats() SubscriberStats {
	return SubscriberStats{
		Name:      s.name,
		Topic:     s.topic,
		Queued:    s.Len(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Stalled:   s.stalled.Load(),
		Lost:      s.lost.Load(),
	}
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery and releases the queue. It is safe to call more than
// once. Queued frames count as dropped; any other queued event is counted as
// lost and logged in full. Callers that must not lose events wait for
// WaitIdle first.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.queue
		s.queue = nil
		s.signalIdleLocked()
		s.mu.Unlock()
		close(s.done)
		s.bus.remove(s)

		for _, e := range pending {
			if model.Droppable(e) {
				s.countDrop()
				continue
			}
			s.lost.Add(1)
			s.bus.lost.Add(1)
			s.bus.logger.Error("Subscriber %s closed with %s event undelivered for session %s: %+v",
				s.name, e.Kind(), e.Session(), e)
		}
	})
}
