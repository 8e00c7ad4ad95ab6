package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trafficwatch/internal/config"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
	"trafficwatch/internal/service/bus"
	"trafficwatch/internal/service/dispatcher"
)

var (
	ErrCameraUnmapped = errors.New("camera_unmapped")
	ErrCameraLocked   = errors.New("camera_locked")
)

// PushSource marks a camera whose frame results are posted to the API by an
// external pipeline instead of being captured here.
const PushSource = "push"

// ReasonSourceEnded closes a session whose video stream finished.
const ReasonSourceEnded = "source_ended"

// drainTimeout bounds how long a finished source waits for its last frames
// to be aggregated before the session closes.
const drainTimeout = 5 * time.Second

// stoppedRetention is how long a stopped session stays queryable, and its
// idempotency key reserved, before it is forgotten.
const stoppedRetention = 15 * time.Minute

// FrameSource produces the analyzed frames of one session.
type FrameSource interface {
	Run(ctx context.Context, emit func(model.FrameEvent) error) error
}

// SourceFactory builds the frame source of a new session.
type SourceFactory func(sessionID, cameraID, uri string) (FrameSource, error)

type sessionEntry struct {
	id             string
	cameraID       string
	uri            string
	idempotencyKey string
	session        *dispatcher.Session
	cancel         context.CancelFunc
	stopped        bool
	stopReason     string
	stoppedAt      time.Time
}

// Manager maps the control surface onto the dispatcher: it resolves cameras,
// enforces one session per camera and runs each session's frame source.
type Manager struct {
	dispatcher *dispatcher.Dispatcher
	bus        *bus.Bus
	cfg        *config.Config
	logger     *logger.Logger
	newSource  SourceFactory
	retention  time.Duration

	mu          sync.Mutex
	sessions    map[string]*sessionEntry
	cameraLock  map[string]string // camera id -> session id
	idempotency map[string]string // idempotency key -> session id

	lifecycle *bus.Subscription
	wg        sync.WaitGroup
}

func NewManager(d *dispatcher.Dispatcher, b *bus.Bus, newSource SourceFactory, cfg *config.Config, logger *logger.Logger) (*Manager, error) {
	m := &Manager{
		dispatcher:  d,
		bus:         b,
		cfg:         cfg,
		logger:      logger,
		newSource:   newSource,
		retention:   stoppedRetention,
		sessions:    make(map[string]*sessionEntry),
		cameraLock:  make(map[string]string),
		idempotency: make(map[string]string),
	}

	sub, err := b.SubscribeFunc(bus.TopicSessions, m.handleLifecycle, bus.Options{Name: "manager"})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	m.lifecycle = sub

	m.logger.Info("Manager started - %d camera(s) mapped", len(cfg.Cameras))
	return m, nil
}

// StartSession opens an analysis session for a mapped camera. A repeated
// call with the same idempotency key returns the session it created.
func (m *Manager) StartSession(cameraID, idempotencyKey string) (model.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(time.Now())

	if idempotencyKey != "" {
		if id, ok := m.idempotency[idempotencyKey]; ok {
			if entry, ok := m.sessions[id]; ok {
				return m.infoLocked(entry), nil
			}
		}
	}

	uri, ok := m.cfg.Cameras[cameraID]
	if !ok {
		return model.SessionInfo{}, fmt.Errorf("%w: %s", ErrCameraUnmapped, cameraID)
	}
	if busy, ok := m.cameraLock[cameraID]; ok {
		return model.SessionInfo{}, fmt.Errorf("%w:%s", ErrCameraLocked, busy)
	}

	id := "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	session, err := m.dispatcher.OpenSession(id, cameraID)
	if err != nil {
		return model.SessionInfo{}, err
	}

	entry := &sessionEntry{id: id, cameraID: cameraID, uri: uri, idempotencyKey: idempotencyKey, session: session}
	m.sessions[id] = entry
	m.cameraLock[cameraID] = id
	if idempotencyKey != "" {
		m.idempotency[idempotencyKey] = id
	}

	if uri != PushSource && m.newSource != nil {
		source, err := m.newSource(id, cameraID, uri)
		if err != nil {
			m.releaseLocked(entry, "source_failed")
			_ = m.dispatcher.CloseSession(id, "source_failed")
			return model.SessionInfo{}, fmt.Errorf("failed to open source for camera %s: %w", cameraID, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		entry.cancel = cancel
		m.wg.Add(1)
		go m.runSource(ctx, entry, source)
	}

	m.logger.Info("Session %s started for camera %s (%s)", id, cameraID, uri)
	return m.infoLocked(entry), nil
}

func (m *Manager) runSource(ctx context.Context, entry *sessionEntry, source FrameSource) {
	defer m.wg.Done()

	err := source.Run(ctx, m.dispatcher.PublishFrame)
	if ctx.Err() != nil {
		return
	}

	reason := ReasonSourceEnded
	if err != nil && !errors.Is(err, dispatcher.ErrUnknownSession) {
		m.logger.Error("Session %s: frame source failed: %v", entry.id, err)
		reason = "source_failed"
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := m.dispatcher.Drain(drainCtx, entry.id); err != nil && !errors.Is(err, dispatcher.ErrUnknownSession) {
		m.logger.Warning("Session %s: closing with frames still queued: %v", entry.id, err)
	}
	cancel()

	if err := m.dispatcher.CloseSession(entry.id, reason); err != nil && !errors.Is(err, dispatcher.ErrUnknownSession) {
		m.logger.Error("Session %s: close after source end failed: %v", entry.id, err)
	}
}

// IngestFrame accepts one frame result from an external detection pipeline.
func (m *Manager) IngestFrame(sessionID string, sequence uint64, capturedAt time.Time, detections []model.Detection) (model.FrameEvent, error) {
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	f := model.NewFrameEvent(sessionID, sequence, capturedAt, detections, m.cfg.ConfidenceThreshold, m.cfg.AccidentLabels...)
	return f, m.dispatcher.PublishFrame(f)
}

// StopSession ends a session. Stopping an already stopped session succeeds
// and returns its final state.
func (m *Manager) StopSession(id, reason string) (model.SessionInfo, error) {
	if reason == "" {
		reason = dispatcher.ReasonStopped
	}

	m.mu.Lock()
	entry, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return model.SessionInfo{}, fmt.Errorf("%w: %s", dispatcher.ErrUnknownSession, id)
	}
	if entry.stopped {
		info := m.infoLocked(entry)
		m.mu.Unlock()
		return info, nil
	}
	m.releaseLocked(entry, reason)
	m.mu.Unlock()

	if err := m.dispatcher.CloseSession(id, reason); err != nil && !errors.Is(err, dispatcher.ErrUnknownSession) {
		return model.SessionInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked(entry), nil
}

// handleLifecycle releases sessions the dispatcher closed on its own, such as
// idle timeouts or ended streams.
func (m *Manager) handleLifecycle(_ context.Context, e model.Event) error {
	closed, ok := e.(model.SessionClosed)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.sessions[closed.SessionID]; ok && !entry.stopped {
		m.releaseLocked(entry, closed.Reason)
		m.logger.Info("Session %s released (%s)", closed.SessionID, closed.Reason)
	}
	return nil
}

// releaseLocked stops the source and frees the camera. The caller holds m.mu.
func (m *Manager) releaseLocked(entry *sessionEntry, reason string) {
	entry.stopped = true
	entry.stopReason = reason
	entry.stoppedAt = time.Now()

	if entry.cancel != nil {
		entry.cancel()
	}
	if m.cameraLock[entry.cameraID] == entry.id {
		delete(m.cameraLock, entry.cameraID)
	}
}

// pruneLocked forgets sessions stopped more than the retention period ago.
// The caller holds m.mu.
func (m *Manager) pruneLocked(now time.Time) {
	for id, entry := range m.sessions {
		if !entry.stopped || now.Sub(entry.stoppedAt) < m.retention {
			continue
		}
		delete(m.sessions, id)
		if entry.idempotencyKey != "" && m.idempotency[entry.idempotencyKey] == id {
			delete(m.idempotency, entry.idempotencyKey)
		}
	}
}

func (m *Manager) infoLocked(entry *sessionEntry) model.SessionInfo {
	info := entry.session.Info()
	if entry.stopped {
		info.Status = model.SessionStopped
	}
	return info
}

// Session returns the state of a session, live or stopped.
func (m *Manager) Session(id string) (model.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[id]
	if !ok {
		return model.SessionInfo{}, fmt.Errorf("%w: %s", dispatcher.ErrUnknownSession, id)
	}
	return m.infoLocked(entry), nil
}

// StopReason returns why a stopped session ended.
func (m *Manager) StopReason(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.sessions[id]; ok {
		return entry.stopReason
	}
	return ""
}

// Sessions lists the sessions currently open.
func (m *Manager) Sessions() []model.SessionInfo {
	return m.dispatcher.Sessions()
}

// Cameras returns the camera map.
func (m *Manager) Cameras() map[string]string {
	cameras := make(map[string]string, len(m.cfg.Cameras))
	for id, uri := range m.cfg.Cameras {
		cameras[id] = uri
	}
	return cameras
}

func (m *Manager) GetDispatcher() *dispatcher.Dispatcher {
	return m.dispatcher
}

func (m *Manager) GetBus() *bus.Bus {
	return m.bus
}

// Stop cancels every frame source and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, entry := range m.sessions {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.lifecycle.Close()
	m.logger.Info("All frame sources stopped")
}
