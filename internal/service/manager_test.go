package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficwatch/internal/config"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
	"trafficwatch/internal/service/aggregator"
	"trafficwatch/internal/service/bus"
	"trafficwatch/internal/service/dispatcher"
)

// scriptedSource emits one frame per pattern character ('+' positive) and
// then either returns or waits for cancellation.
type scriptedSource struct {
	sessionID string
	pattern   string
	hold      bool
	err       error
}

func (s *scriptedSource) Run(ctx context.Context, emit func(model.FrameEvent) error) error {
	for i, c := range s.pattern {
		f := model.FrameEvent{
			SessionID:  s.sessionID,
			Sequence:   uint64(i + 1),
			CapturedAt: time.Unix(0, 0).Add(time.Duration(i) * 66 * time.Millisecond),
			Positive:   c == '+',
		}
		if err := emit(f); err != nil {
			return err
		}
	}
	if s.hold {
		<-ctx.Done()
		return nil
	}
	return s.err
}

type testEnv struct {
	manager    *Manager
	dispatcher *dispatcher.Dispatcher
}

func newTestManager(t *testing.T, dcfg dispatcher.Config, newSource SourceFactory) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Cameras: map[string]string{
			"cam-push":  PushSource,
			"cam-push2": PushSource,
			"cam-file":  "/videos/crash.mp4",
		},
		ConfidenceThreshold: 0.65,
	}
	if dcfg.Aggregator.Threshold == 0 {
		dcfg.Aggregator = aggregator.Config{Threshold: 3}
	}

	b := bus.New(bus.Config{Workers: 4, Capacity: 64, BlockTimeout: 50 * time.Millisecond}, logger.NewDiscard())
	d := dispatcher.New(b, dcfg, logger.NewDiscard())
	m, err := NewManager(d, b, newSource, cfg, logger.NewDiscard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	t.Cleanup(func() {
		cancel()
		m.Stop()
		d.Close()
		b.Close()
	})
	return &testEnv{manager: m, dispatcher: d}
}

// waitStopped waits until the manager has released the session.
func waitStopped(t *testing.T, m *Manager, id string) model.SessionInfo {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.StopReason(id) != ""
	}, 2*time.Second, 10*time.Millisecond)

	info, err := m.Session(id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStopped, info.Status)
	return info
}

func TestStartSession(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	info, err := env.manager.StartSession("cam-push", "")
	require.NoError(t, err)

	assert.Regexp(t, `^sess_[0-9a-f]{8}$`, info.ID)
	assert.Equal(t, "cam-push", info.CameraID)
	assert.Equal(t, model.SessionActive, info.Status)
	assert.Equal(t, aggregator.Idle.String(), info.WindowState)

	_, ok := env.dispatcher.Session(info.ID)
	assert.True(t, ok)
}

func TestStartSession_UnmappedCamera(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	_, err := env.manager.StartSession("cam-missing", "")
	assert.ErrorIs(t, err, ErrCameraUnmapped)
	assert.Empty(t, env.manager.Sessions())
}

func TestStartSession_CameraLocked(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	first, err := env.manager.StartSession("cam-push", "")
	require.NoError(t, err)

	_, err = env.manager.StartSession("cam-push", "")
	require.ErrorIs(t, err, ErrCameraLocked)
	assert.Contains(t, err.Error(), first.ID)

	// Other cameras are unaffected.
	_, err = env.manager.StartSession("cam-push2", "")
	assert.NoError(t, err)
}

func TestStartSession_IdempotencyKey(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	first, err := env.manager.StartSession("cam-push", "req-1")
	require.NoError(t, err)
	again, err := env.manager.StartSession("cam-push", "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, env.manager.Sessions(), 1)
}

func TestStopSession_IdempotentAndReleasesCamera(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	info, err := env.manager.StartSession("cam-push", "")
	require.NoError(t, err)

	v, err := env.dispatcher.Attach(info.ID)
	require.NoError(t, err)

	stopped, err := env.manager.StopSession(info.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStopped, stopped.Status)
	assert.Equal(t, dispatcher.ReasonStopped, env.manager.StopReason(info.ID))

	e, err := v.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.KindSessionClosed, e.Kind())

	again, err := env.manager.StopSession(info.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStopped, again.Status)

	_, err = env.manager.StartSession("cam-push", "")
	assert.NoError(t, err)
}

func TestStopSession_Unknown(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	_, err := env.manager.StopSession("sess_nope", "")
	assert.ErrorIs(t, err, dispatcher.ErrUnknownSession)
}

func TestIngestFrame_ConfirmsAccident(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	info, err := env.manager.StartSession("cam-push", "")
	require.NoError(t, err)
	v, err := env.dispatcher.Attach(info.ID)
	require.NoError(t, err)

	hit := []model.Detection{{Label: "accident", Confidence: 0.9}}
	miss := []model.Detection{{Label: "accident", Confidence: 0.2}}
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	for i, dets := range [][]model.Detection{miss, hit, hit, hit} {
		f, err := env.manager.IngestFrame(info.ID, uint64(i+1), start.Add(time.Duration(i)*time.Second), dets)
		require.NoError(t, err)
		assert.Equal(t, i > 0, f.Positive)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := v.Next(ctx)
	require.NoError(t, err)
	require.IsType(t, model.AccidentConfirmed{}, e)

	rec := e.(model.AccidentConfirmed).Record
	assert.Equal(t, info.ID+"-000001", rec.IncidentID)
	assert.Equal(t, "cam-push", rec.CameraID)
	assert.Equal(t, uint64(2), rec.StartSequence)
	assert.Equal(t, uint64(4), rec.ConfirmedSequence)
}

func TestIngestFrame_UnknownSession(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	_, err := env.manager.IngestFrame("sess_nope", 1, time.Time{}, nil)
	assert.ErrorIs(t, err, dispatcher.ErrUnknownSession)
}

func TestIdleTimeoutReleasesCamera(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{IdleTimeout: 50 * time.Millisecond}, nil)

	info, err := env.manager.StartSession("cam-push", "")
	require.NoError(t, err)

	waitStopped(t, env.manager, info.ID)
	assert.Equal(t, dispatcher.ReasonIdleTimeout, env.manager.StopReason(info.ID))

	_, err = env.manager.StartSession("cam-push", "")
	assert.NoError(t, err)
}

func TestSourceEndClosesSession(t *testing.T) {
	factory := func(sessionID, cameraID, uri string) (FrameSource, error) {
		assert.Equal(t, "/videos/crash.mp4", uri)
		return &scriptedSource{sessionID: sessionID, pattern: "-+++-"}, nil
	}
	env := newTestManager(t, dispatcher.Config{}, factory)

	info, err := env.manager.StartSession("cam-file", "")
	require.NoError(t, err)

	final := waitStopped(t, env.manager, info.ID)
	assert.Equal(t, ReasonSourceEnded, env.manager.StopReason(info.ID))
	assert.Equal(t, 1, final.Accidents)
}

func TestSourceFailureClosesSession(t *testing.T) {
	factory := func(sessionID, cameraID, uri string) (FrameSource, error) {
		return &scriptedSource{sessionID: sessionID, err: errors.New("decoder crashed")}, nil
	}
	env := newTestManager(t, dispatcher.Config{}, factory)

	info, err := env.manager.StartSession("cam-file", "")
	require.NoError(t, err)

	waitStopped(t, env.manager, info.ID)
	assert.Equal(t, "source_failed", env.manager.StopReason(info.ID))
}

func TestSourceOpenFailure(t *testing.T) {
	factory := func(sessionID, cameraID, uri string) (FrameSource, error) {
		return nil, errors.New("no such file")
	}
	env := newTestManager(t, dispatcher.Config{}, factory)

	_, err := env.manager.StartSession("cam-file", "")
	require.Error(t, err)

	// The camera is free again.
	factoryCalled := false
	env.manager.newSource = func(sessionID, cameraID, uri string) (FrameSource, error) {
		factoryCalled = true
		return &scriptedSource{sessionID: sessionID, hold: true}, nil
	}
	_, err = env.manager.StartSession("cam-file", "")
	require.NoError(t, err)
	assert.True(t, factoryCalled)
}

func TestStopSession_CancelsSource(t *testing.T) {
	factory := func(sessionID, cameraID, uri string) (FrameSource, error) {
		return &scriptedSource{sessionID: sessionID, pattern: "--", hold: true}, nil
	}
	env := newTestManager(t, dispatcher.Config{}, factory)

	info, err := env.manager.StartSession("cam-file", "")
	require.NoError(t, err)

	_, err = env.manager.StopSession(info.ID, "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		env.manager.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frame source still running after stop")
	}
	assert.Equal(t, dispatcher.ReasonStopped, env.manager.StopReason(info.ID))
}

func TestStoppedSessionsAreForgottenAfterRetention(t *testing.T) {
	env := newTestManager(t, dispatcher.Config{}, nil)

	old, err := env.manager.StartSession("cam-push", "req-1")
	require.NoError(t, err)
	_, err = env.manager.StopSession(old.ID, "")
	require.NoError(t, err)

	// Within the retention period the stopped session is still known.
	again, err := env.manager.StartSession("cam-push", "req-1")
	require.NoError(t, err)
	assert.Equal(t, old.ID, again.ID)
	assert.Equal(t, model.SessionStopped, again.Status)

	env.manager.mu.Lock()
	env.manager.retention = 0
	env.manager.mu.Unlock()

	fresh, err := env.manager.StartSession("cam-push", "req-1")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, model.SessionActive, fresh.Status)

	_, err = env.manager.Session(old.ID)
	assert.ErrorIs(t, err, dispatcher.ErrUnknownSession)
	assert.Empty(t, env.manager.StopReason(old.ID))

	env.manager.mu.Lock()
	defer env.manager.mu.Unlock()
	assert.Len(t, env.manager.sessions, 1)
}
