package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
)

// Bus is an in-process publish/subscribe fabric with bounded per-subscriber
// queues. Push-mode subscriptions are serviced by a fixed pool of workers and
// each subscription is handled by at most one worker at a time, so handlers
// see their events sequentially and in publish order.
type Bus struct {
	cfg    Config
	logger *logger.Logger

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	count  int
	closed bool

	ready  chan *Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published     atomic.Uint64
	dropped       atomic.Uint64
	stalled       atomic.Uint64
	lost          atomic.Uint64
	handlerErrors atomic.Uint64
}

// New creates a bus and starts its worker pool.
func New(cfg Config, logger *logger.Logger) *Bus {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxSubscriptions < 1 {
		cfg.MaxSubscriptions = 1024
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 64
	}
	if cfg.DrainBatch < 1 {
		cfg.DrainBatch = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]map[*Subscription]struct{}),
		ready:  make(chan *Subscription, cfg.MaxSubscriptions),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	b.logger.Info("Event bus started - %d workers, queue capacity %d, policy %s",
		cfg.Workers, cfg.Capacity, cfg.Policy)
	return b
}

// Subscribe registers a pull-mode subscription; events are read with Receive.
func (b *Bus) Subscribe(topic string, opts Options) (*Subscription, error) {
	return b.add(topic, nil, opts)
}

// SubscribeFunc registers a push-mode subscription whose handler runs on the
// bus worker pool.
func (b *Bus) SubscribeFunc(topic string, handler Handler, opts Options) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	return b.add(topic, handler, opts)
}

func (b *Bus) add(topic string, handler Handler, opts Options) (*Subscription, error) {
	capacity := opts.Capacity
	if capacity < 1 {
		capacity = b.cfg.Capacity
	}
	policy := b.cfg.Policy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	timeout := opts.BlockTimeout
	if timeout <= 0 {
		timeout = b.cfg.BlockTimeout
	}
	name := opts.Name
	if name == "" {
		name = topic
	}

	s := newSubscription(b, topic, name, capacity, policy, timeout, handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.count >= b.cfg.MaxSubscriptions {
		return nil, fmt.Errorf("%w (%d)", ErrResourceExhausted, b.cfg.MaxSubscriptions)
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	b.count++
	return s, nil
}

// Unsubscribe stops delivery to s and releases its queue.
func (b *Bus) Unsubscribe(s *Subscription) {
	s.Close()
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[s.topic]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	b.count--
	if len(subs) == 0 {
		delete(b.topics, s.topic)
	}
}

// Publish hands e to every subscription of topic and of the topic's base.
// It never waits on handlers. The returned error joins the per-subscriber
// failures (ErrBackpressure, ErrSubscriberStalled); other subscribers still
// receive the event.
func (b *Bus) Publish(topic string, e model.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*Subscription, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		targets = append(targets, s)
	}
	if base := baseOf(topic); base != topic {
		for s := range b.topics[base] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)

	var errs []error
	for _, s := range targets {
		if err := s.push(e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// schedule queues a push-mode subscription for the worker pool.
func (b *Bus) schedule(s *Subscription) {
	select {
	case b.ready <- s:
	default:
		// The ready queue can briefly exceed MaxSubscriptions while closed
		// subscriptions are still queued.
		go func() {
			select {
			case b.ready <- s:
			case <-b.ctx.Done():
			}
		}()
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case s := <-b.ready:
			s.drain(b.ctx, b.cfg.DrainBatch)
		}
	}
}

// Stats returns bus-wide counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	count := b.count
	b.mu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Subscriptions: count,
		Dropped:       b.dropped.Load(),
		Stalled:       b.stalled.Load(),
		Lost:          b.lost.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Pending:       len(b.ready),
	}
}

// SubscriberStats returns per-subscription statistics for topic and its partitions.
func (b *Bus) SubscriberStats(topic string) []SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []SubscriberStats
	for t, subs := range b.topics {
		if t != topic && baseOf(t) != topic {
			continue
		}
		for s := range subs {
			out = append(out, s.Stats())
		}
	}
	return out
}

// Close shuts down the worker pool and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.topics {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("Event bus stopped - %d events published", b.published.Load())
}
