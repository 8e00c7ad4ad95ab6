// Package recorder hands confirmed accidents to a storage sink on its own
// goroutine, so slow or failing storage never holds up the event bus.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
	"trafficwatch/internal/service/bus"
)

var (
	ErrQueueFull = errors.New("recorder: queue full")
	ErrClosed    = errors.New("recorder: closed")
)

// Sink persists accident records. RecordAccident may be called more than once
// for the same record and must tolerate it.
type Sink interface {
	RecordAccident(ctx context.Context, rec model.AccidentRecord) error
}

// Config tunes the write path of one sink.
type Config struct {
	Name          string
	QueueCapacity int
	MaxRetries    int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	// DeadLetterPath receives records whose retries were exhausted, one JSON
	// object per line. Empty disables the file; records are still logged.
	DeadLetterPath string
}

// Stats counts outcomes of the write path.
type Stats struct {
	Name       string `json:"name"`
	Queued     int    `json:"queued"`
	Recorded   uint64 `json:"recorded"`
	Retries    uint64 `json:"retries"`
	DeadLetter uint64 `json:"dead_letter"`
}

// Recorder queues records for a Sink and writes them with retry and backoff.
type Recorder struct {
	sink   Sink
	cfg    Config
	logger *logger.Logger

	queue chan model.AccidentRecord
	sub   *bus.Subscription
	mu    sync.RWMutex
	dlMu  sync.Mutex

	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	recorded   atomic.Uint64
	retries    atomic.Uint64
	deadLetter atomic.Uint64
}

// New creates a Recorder. Call Run to start writing.
func New(sink Sink, cfg Config, logger *logger.Logger) *Recorder {
	if cfg.Name == "" {
		cfg.Name = "storage"
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 128
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = 30 * time.Second
		if cfg.MaxBackoff < cfg.Backoff {
			cfg.MaxBackoff = cfg.Backoff
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan model.AccidentRecord, cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Name identifies the sink in logs and stats.
func (r *Recorder) Name() string {
	return r.cfg.Name
}

// Enqueue hands rec to the write path without blocking. When the queue is
// full the record goes straight to the dead-letter file and ErrQueueFull is
// returned.
func (r *Recorder) Enqueue(rec model.AccidentRecord) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.deadLetterRecord(rec, ErrClosed)
		return ErrClosed
	}

	select {
	case r.queue <- rec:
		return nil
	default:
		r.deadLetterRecord(rec, ErrQueueFull)
		return fmt.Errorf("%w: %s dropped incident %s", ErrQueueFull, r.cfg.Name, rec.IncidentID)
	}
}

// HandleEvent is a bus handler that records AccidentConfirmed events and
// ignores every other kind.
func (r *Recorder) HandleEvent(_ context.Context, e model.Event) error {
	switch ev := e.(type) {
	case model.AccidentConfirmed:
		return r.Enqueue(ev.Record)
	default:
		return nil
	}
}

// Subscribe feeds the recorder from topic on b. Use Shutdown instead of Close
// so events still queued on the bus are not lost.
func (r *Recorder) Subscribe(b *bus.Bus, topic string) error {
	sub, err := b.SubscribeFunc(topic, r.HandleEvent, bus.Options{Name: "storage:" + r.cfg.Name})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s storage: %w", r.cfg.Name, err)
	}
	r.sub = sub
	return nil
}

// Shutdown waits for the bus subscription to hand over every queued event,
// then closes the recorder. Accidents still queued on the bus when ctx ends
// are dead-lettered.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r.sub != nil {
		if err := r.sub.WaitIdle(ctx); err != nil {
			r.logger.Warning("Recorder %s: bus queue not drained before shutdown (%d left): %v", r.cfg.Name, r.sub.Len(), err)
			for {
				e, ok := r.sub.TryReceive()
				if !ok {
					break
				}
				if ac, ok := e.(model.AccidentConfirmed); ok {
					r.deadLetterRecord(ac.Record, fmt.Errorf("shutdown: %w", err))
				}
			}
		}
		r.sub.Close()
	}
	return r.Close(ctx)
}

// Run writes queued records until Close is called, then drains what is left.
func (r *Recorder) Run() {
	defer close(r.done)

	r.logger.Info("Recorder %s started (queue %d, retries %d)", r.cfg.Name, r.cfg.QueueCapacity, r.cfg.MaxRetries)
	for rec := range r.queue {
		r.write(rec)
	}
	r.logger.Info("Recorder %s stopped - %d recorded, %d dead-lettered", r.cfg.Name, r.recorded.Load(), r.deadLetter.Load())
}

func (r *Recorder) write(rec model.AccidentRecord) {
	backoff := r.cfg.Backoff
	var err error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.retries.Add(1)
			r.logger.Warning("Recorder %s retrying incident %s in %s (attempt %d/%d): %v",
				r.cfg.Name, rec.IncidentID, backoff, attempt, r.cfg.MaxRetries, err)

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-r.ctx.Done():
				timer.Stop()
				r.deadLetterRecord(rec, fmt.Errorf("shutdown during retry: %w", err))
				return
			}

			backoff *= 2
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
		}

		if err = r.sink.RecordAccident(r.ctx, rec); err == nil {
			r.recorded.Add(1)
			return
		}
	}

	r.deadLetterRecord(rec, err)
}

// deadLetterRecord logs rec in full and appends it to the dead-letter file.
func (r *Recorder) deadLetterRecord(rec model.AccidentRecord, cause error) {
	r.deadLetter.Add(1)

	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error("Recorder %s could not encode incident %s: %v", r.cfg.Name, rec.IncidentID, err)
		return
	}
	r.logger.Error("Recorder %s gave up on incident %s: %v; record: %s", r.cfg.Name, rec.IncidentID, cause, data)

	if r.cfg.DeadLetterPath == "" {
		return
	}

	r.dlMu.Lock()
	defer r.dlMu.Unlock()

	if err := AppendDeadLetter(r.cfg.DeadLetterPath, data); err != nil {
		r.logger.Error("Recorder %s could not write dead letter for incident %s: %v", r.cfg.Name, rec.IncidentID, err)
	}
}

// Stats returns the write path counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Name:       r.cfg.Name,
		Queued:     len(r.queue),
		Recorded:   r.recorded.Load(),
		Retries:    r.retries.Load(),
		DeadLetter: r.deadLetter.Load(),
	}
}

// Close stops accepting records and waits for the queue to drain. A write
// still retrying when ctx ends is cut short and dead-lettered.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}
