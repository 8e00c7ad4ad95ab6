// Package dispatcher owns the live analysis sessions. Each session gets its
// own accident window fed from the bus, and fans confirmed accidents,
// heartbeats and the final close signal out to any number of viewers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
	"trafficwatch/internal/service/aggregator"
	"trafficwatch/internal/service/bus"
)

var (
	ErrUnknownSession = errors.New("dispatcher: unknown session")
	ErrViewerLagging  = errors.New("dispatcher: viewer could not keep up")
	ErrViewerDetached = errors.New("dispatcher: viewer detached")
	ErrSessionClosed  = errors.New("dispatcher: session closed")
	ErrClosed         = errors.New("dispatcher: closed")
)

// Close reasons carried by SessionClosed events.
const (
	ReasonStopped     = "stopped"
	ReasonIdleTimeout = "idle_timeout"
	ReasonDegraded    = "degraded"
	ReasonShutdown    = "shutdown"
)

type Config struct {
	Aggregator aggregator.Config
	// ViewerBuffer is the outbound queue length of every viewer.
	ViewerBuffer int
	// ViewerSendTimeout bounds how long an accident waits for a full viewer
	// before that viewer is detached as degraded.
	ViewerSendTimeout time.Duration
	HeartbeatInterval time.Duration
	// IdleTimeout closes sessions that received no frame for this long. Zero disables it.
	IdleTimeout time.Duration
}

// Dispatcher is the registry of open sessions.
type Dispatcher struct {
	bus    *bus.Bus
	cfg    Config
	logger *logger.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func New(b *bus.Bus, cfg Config, logger *logger.Logger) *Dispatcher {
	if cfg.ViewerBuffer < 1 {
		cfg.ViewerBuffer = 16
	}
	if cfg.ViewerSendTimeout <= 0 {
		cfg.ViewerSendTimeout = 500 * time.Millisecond
	}
	return &Dispatcher{
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// OpenSession creates a session with its accident window and starts feeding
// it from the bus. Opening an id that is already active returns the existing
// session.
func (d *Dispatcher) OpenSession(id, cameraID string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("dispatcher: empty session id")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if s, ok := d.sessions[id]; ok {
		return s, nil
	}

	s := newSession(d, id, cameraID, d.now())

	frames, err := d.bus.SubscribeFunc(bus.Topic(bus.TopicFrames, id), s.handleFrame, bus.Options{Name: "aggregator:" + id})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe session %s to frames: %w", id, err)
	}
	// Accidents must reach viewers in confirmation order and are never dropped
	// by the bus; the viewer buffer handles slow clients.
	accidents, err := d.bus.SubscribeFunc(bus.Topic(bus.TopicAccidents, id), s.handleAccident, bus.Options{Name: "viewers:" + id})
	if err != nil {
		frames.Close()
		return nil, fmt.Errorf("failed to subscribe session %s to accidents: %w", id, err)
	}
	s.frames = frames
	s.accidents = accidents

	d.sessions[id] = s
	d.logger.Info("Session %s opened for camera %s (K=%d)", id, cameraID, d.cfg.Aggregator.Threshold)
	return s, nil
}

// Session looks up an open session.
func (d *Dispatcher) Session(id string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every open session, oldest first.
func (d *Dispatcher) Sessions() []model.SessionInfo {
	d.mu.RLock()
	list := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		list = append(list, s)
	}
	d.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	infos := make([]model.SessionInfo, len(list))
	for i, s := range list {
		infos[i] = s.Info()
	}
	return infos
}

// Attach registers a new viewer. The viewer receives events from this moment
// on; nothing earlier is replayed.
func (d *Dispatcher) Attach(sessionID string) (*Viewer, error) {
	s, ok := d.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	v := newViewer(uuid.NewString(), s, d.cfg.ViewerBuffer)
	if !s.addViewer(v) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	d.logger.Info("Session %s: viewer %s attached (%d total)", sessionID, v.ID, s.ViewerCount())
	return v, nil
}

// Detach removes a viewer from its session.
func (d *Dispatcher) Detach(v *Viewer) {
	v.Detach()
}

// CloseSession flushes a SessionClosed event to every viewer, detaches them,
// stops the session's bus subscriptions and releases its accident window.
func (d *Dispatcher) CloseSession(id, reason string) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if ok {
		delete(d.sessions, id)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if reason == "" {
		reason = ReasonStopped
	}

	viewers := s.ViewerCount()
	if !s.close(reason) {
		return nil
	}
	d.logger.Info("Session %s closed (%s) - %d accidents, %d viewers notified", id, reason, s.window.Confirmed(), viewers)

	// Lifecycle observers such as the session manager learn about closes they
	// did not initiate, e.g. idle timeouts.
	ev := model.SessionClosed{SessionID: id, Reason: reason, At: d.now()}
	if err := d.bus.Publish(bus.Topic(bus.TopicSessions, id), ev); err != nil && !errors.Is(err, bus.ErrBusClosed) {
		d.logger.Warning("Session %s: close event not delivered: %v", id, err)
	}
	return nil
}

// Drain waits until every frame already published for the session has been
// aggregated and any resulting accident handed to the viewers.
func (d *Dispatcher) Drain(ctx context.Context, id string) error {
	s, ok := d.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	// Frames are waited for first: their handler is what queues accidents.
	for _, sub := range []*bus.Subscription{s.frames, s.accidents} {
		if err := sub.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PublishFrame is the detection source entry point. It returns
// ErrUnknownSession for a session that is not open, and the bus backpressure
// error when the session cannot keep up under the block policy.
func (d *Dispatcher) PublishFrame(f model.FrameEvent) error {
	s, ok := d.Session(f.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, f.SessionID)
	}
	s.touch(d.now())
	return d.bus.Publish(bus.Topic(bus.TopicFrames, f.SessionID), f)
}

// Run sends heartbeats and closes idle sessions until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	var heartbeat, idle <-chan time.Time

	if d.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(d.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}
	if d.cfg.IdleTimeout > 0 {
		every := d.cfg.IdleTimeout / 4
		if every < 10*time.Millisecond {
			every = 10 * time.Millisecond
		}
		t := time.NewTicker(every)
		defer t.Stop()
		idle = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat:
			d.heartbeat()
		case <-idle:
			d.closeIdle()
		}
	}
}

func (d *Dispatcher) snapshot() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		list = append(list, s)
	}
	return list
}

func (d *Dispatcher) heartbeat() {
	now := d.now()
	for _, s := range d.snapshot() {
		s.broadcast(model.Heartbeat{SessionID: s.ID, At: now}, 0)
	}
}

func (d *Dispatcher) closeIdle() {
	now := d.now()
	for _, s := range d.snapshot() {
		if idle := s.idleSince(now); idle >= d.cfg.IdleTimeout {
			d.logger.Warning("Session %s idle for %s, closing", s.ID, idle.Round(time.Second))
			if err := d.CloseSession(s.ID, ReasonIdleTimeout); err != nil && !errors.Is(err, ErrUnknownSession) {
				d.logger.Error("Failed to close idle session %s: %v", s.ID, err)
			}
		}
	}
}

// Close ends every session with reason shutdown and rejects new ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		_ = d.CloseSession(id, ReasonShutdown)
	}
}
