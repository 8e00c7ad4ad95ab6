package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"trafficwatch/internal/model"
	"trafficwatch/internal/service/aggregator"
	"trafficwatch/internal/service/bus"
)

// Session is one live analysis stream: its accident window, its bus
// subscriptions and its viewers.
type Session struct {
	ID        string
	CameraID  string
	CreatedAt time.Time

	d      *Dispatcher
	window *aggregator.Aggregator

	frames    *bus.Subscription
	accidents *bus.Subscription

	viewerMu sync.Mutex
	viewers  atomic.Pointer[[]*Viewer]

	lastActivity atomic.Int64
	lastFrame    atomic.Int64
	framesLost   uint64 // frames subscription drop count already accounted for
	stopped      atomic.Bool
	closeOnce    sync.Once
}

func newSession(d *Dispatcher, id, cameraID string, now time.Time) *Session {
	s := &Session{
		ID:        id,
		CameraID:  cameraID,
		CreatedAt: now,
		d:         d,
		window:    aggregator.New(id, cameraID, d.cfg.Aggregator),
	}
	empty := []*Viewer{}
	s.viewers.Store(&empty)
	s.lastActivity.Store(now.UnixNano())
	return s
}

// handleFrame runs on the bus worker pool; the bus never hands one
// subscription to two workers at once, so frames arrive here in order.
func (s *Session) handleFrame(_ context.Context, e model.Event) error {
	f, ok := e.(model.FrameEvent)
	if !ok {
		return nil
	}
	s.lastFrame.Store(f.CapturedAt.UnixNano())

	// The bus dropped frames since the previous call; the missing ones may
	// have been negative, so the streak must not continue across them.
	if lost := s.frames.Dropped(); lost != s.framesLost {
		if s.window.Break() {
			s.d.logger.Warning("Session %s: %d frame(s) dropped before frame %d, accident window reset",
				s.ID, lost-s.framesLost, f.Sequence)
		}
		s.framesLost = lost
	}

	rec, err := s.window.Process(f)
	if err != nil {
		if errors.Is(err, aggregator.ErrSequenceViolation) {
			s.d.logger.Warning("Session %s: discarded frame: %v", s.ID, err)
			return nil
		}
		return err
	}
	if rec == nil {
		return nil
	}

	s.d.logger.Info("Session %s: accident %s confirmed at frame %d (frames %d-%d, peak %.2f)",
		s.ID, rec.IncidentID, rec.ConfirmedSequence, rec.StartSequence, rec.ConfirmedSequence, rec.PeakConfidence)

	if err := s.d.bus.Publish(bus.Topic(bus.TopicAccidents, s.ID), model.AccidentConfirmed{Record: *rec}); err != nil {
		s.d.logger.Error("Session %s: accident %s not delivered to every subscriber: %v", s.ID, rec.IncidentID, err)
	}
	return nil
}

// handleAccident fans a confirmed accident out to the viewers attached right now.
func (s *Session) handleAccident(_ context.Context, e model.Event) error {
	if _, ok := e.(model.AccidentConfirmed); !ok {
		return nil
	}
	s.broadcast(e, s.d.cfg.ViewerSendTimeout)
	return nil
}

// broadcast iterates a snapshot of the viewer set. Viewers that cannot take an
// accident within wait are detached as degraded; heartbeats are best effort.
func (s *Session) broadcast(e model.Event, wait time.Duration) {
	critical := e.Kind() == model.KindAccident
	if !critical {
		wait = 0
	}

	for _, v := range *s.viewers.Load() {
		if v.send(e, wait) || !critical {
			continue
		}
		closed := model.SessionClosed{SessionID: s.ID, Reason: ReasonDegraded, At: s.d.now()}
		if v.finish(closed, ErrViewerLagging) {
			s.d.logger.Warning("Session %s: viewer %s lagging, detached as degraded", s.ID, v.ID)
			s.removeViewer(v)
		}
	}
}

func (s *Session) addViewer(v *Viewer) bool {
	s.viewerMu.Lock()
	defer s.viewerMu.Unlock()

	if s.stopped.Load() {
		return false
	}
	old := *s.viewers.Load()
	next := make([]*Viewer, len(old), len(old)+1)
	copy(next, old)
	next = append(next, v)
	s.viewers.Store(&next)
	return true
}

func (s *Session) removeViewer(v *Viewer) {
	s.viewerMu.Lock()
	defer s.viewerMu.Unlock()

	old := *s.viewers.Load()
	next := make([]*Viewer, 0, len(old))
	for _, existing := range old {
		if existing != v {
			next = append(next, existing)
		}
	}
	if len(next) == len(old) {
		return
	}
	s.viewers.Store(&next)
	s.d.logger.Info("Session %s: viewer %s detached (%d left)", s.ID, v.ID, len(next))
}

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	return len(*s.viewers.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// Window returns a snapshot of the session's accident window.
func (s *Session) Window() aggregator.Window {
	return s.window.Snapshot()
}

// Info returns a read-only view of the session.
func (s *Session) Info() model.SessionInfo {
	status := model.SessionActive
	if s.stopped.Load() {
		status = model.SessionStopped
	}
	info := model.SessionInfo{
		ID:          s.ID,
		CameraID:    s.CameraID,
		CreatedAt:   s.CreatedAt,
		Status:      status,
		Viewers:     s.ViewerCount(),
		WindowState: s.window.Snapshot().State.String(),
		Accidents:   s.window.Confirmed(),
	}
	if ns := s.lastFrame.Load(); ns != 0 {
		info.LastFrameAt = time.Unix(0, ns)
	}
	return info
}

// close stops the bus subscriptions, flushes the terminal event to every
// viewer and releases the window.
func (s *Session) close(reason string) bool {
	closedNow := false
	s.closeOnce.Do(func() {
		closedNow = true

		s.viewerMu.Lock()
		s.stopped.Store(true)
		viewers := *s.viewers.Load()
		empty := []*Viewer{}
		s.viewers.Store(&empty)
		s.viewerMu.Unlock()

		if s.frames != nil {
			s.frames.Close()
		}
		if s.accidents != nil {
			s.accidents.Close()
		}

		terminal := model.SessionClosed{SessionID: s.ID, Reason: reason, At: s.d.now()}
		for _, v := range viewers {
			v.finish(terminal, ErrSessionClosed)
		}
		s.window.Release()
	})
	return closedNow
}
