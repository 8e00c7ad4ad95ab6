package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
	"trafficwatch/internal/service/aggregator"
	"trafficwatch/internal/service/bus"
	"trafficwatch/internal/service/recorder"
)

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Config{Workers: 4, Capacity: 256, BlockTimeout: 50 * time.Millisecond}, logger.NewDiscard())
	if cfg.Aggregator.Threshold == 0 {
		cfg.Aggregator.Threshold = 4
	}
	if cfg.ViewerSendTimeout == 0 {
		cfg.ViewerSendTimeout = 20 * time.Millisecond
	}
	d := New(b, cfg, logger.NewDiscard())
	t.Cleanup(func() {
		d.Close()
		b.Close()
	})
	return d, b
}

// publish sends one frame per pattern character ('+' positive) starting at seq from.
func publish(t *testing.T, d *Dispatcher, sessionID string, from uint64, pattern string) {
	t.Helper()
	for i, c := range pattern {
		seq := from + uint64(i)
		f := model.FrameEvent{
			SessionID:  sessionID,
			Sequence:   seq,
			CapturedAt: time.Unix(0, 0).Add(time.Duration(seq) * 66 * time.Millisecond),
			Positive:   c == '+',
		}
		require.NoError(t, d.PublishFrame(f))
	}
}

func next(t *testing.T, v *Viewer) model.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := v.Next(ctx)
	require.NoError(t, err)
	return e
}

func nextAccident(t *testing.T, v *Viewer) model.AccidentRecord {
	t.Helper()
	for {
		e := next(t, v)
		if ac, ok := e.(model.AccidentConfirmed); ok {
			return ac.Record
		}
		require.IsType(t, model.Heartbeat{}, e, "unexpected %s event", e.Kind())
	}
}

func TestOpenSession_Idempotent(t *testing.T) {
	d, b := newTestDispatcher(t, Config{})

	s1, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)
	s2, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Len(t, d.Sessions(), 1)
	assert.Equal(t, 2, b.Stats().Subscriptions)
}

func TestUnknownSession(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})

	_, err := d.Attach("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)

	err = d.PublishFrame(model.FrameEvent{SessionID: "missing", Sequence: 1})
	assert.ErrorIs(t, err, ErrUnknownSession)

	assert.ErrorIs(t, d.CloseSession("missing", ""), ErrUnknownSession)
}

func TestViewer_ReceivesConfirmedAccident(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	_, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	v, err := d.Attach("s1")
	require.NoError(t, err)

	publish(t, d, "s1", 1, "+++-++++")

	rec := nextAccident(t, v)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "cam-1", rec.CameraID)
	assert.Equal(t, uint64(8), rec.ConfirmedSequence)
	assert.Equal(t, []uint64{5, 6, 7, 8}, rec.SupportingSequences())
}

func TestViewer_SequenceViolationIsIgnored(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	_, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)
	v, err := d.Attach("s1")
	require.NoError(t, err)

	publish(t, d, "s1", 1, "++")
	publish(t, d, "s1", 2, "+") // duplicate of frame 2
	publish(t, d, "s1", 3, "++")

	rec := nextAccident(t, v)
	assert.Equal(t, []uint64{1, 2, 3, 4}, rec.SupportingSequences())
}

func TestAttach_NoReplay(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	_, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	first, err := d.Attach("s1")
	require.NoError(t, err)
	publish(t, d, "s1", 1, "++++")
	assert.Equal(t, uint64(4), nextAccident(t, first).ConfirmedSequence)

	late, err := d.Attach("s1")
	require.NoError(t, err)
	publish(t, d, "s1", 5, "-++++")

	assert.Equal(t, uint64(9), nextAccident(t, late).ConfirmedSequence)
	assert.Equal(t, uint64(9), nextAccident(t, first).ConfirmedSequence)
}

func TestDetach_DoesNotAffectOtherViewers(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	s, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	leaving, err := d.Attach("s1")
	require.NoError(t, err)
	staying, err := d.Attach("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.ViewerCount())

	d.Detach(leaving)
	leaving.Detach()
	assert.Equal(t, 1, s.ViewerCount())

	select {
	case <-leaving.Done():
	default:
		t.Fatal("detached viewer not done")
	}
	_, open := <-leaving.Events()
	assert.False(t, open)
	assert.ErrorIs(t, leaving.Err(), ErrViewerDetached)

	publish(t, d, "s1", 1, "++++")
	assert.Equal(t, uint64(4), nextAccident(t, staying).ConfirmedSequence)
}

func TestCloseSession_FlushesClosedEvent(t *testing.T) {
	d, b := newTestDispatcher(t, Config{})
	_, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	var viewers []*Viewer
	for i := 0; i < 3; i++ {
		v, err := d.Attach("s1")
		require.NoError(t, err)
		viewers = append(viewers, v)
	}

	require.NoError(t, d.CloseSession("s1", ""))

	for _, v := range viewers {
		e := next(t, v)
		closed, ok := e.(model.SessionClosed)
		require.True(t, ok, "got %s", e.Kind())
		assert.Equal(t, ReasonStopped, closed.Reason)
		assert.Equal(t, "s1", closed.SessionID)

		_, err := v.Next(context.Background())
		assert.ErrorIs(t, err, ErrSessionClosed)
	}

	_, ok := d.Session("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().Subscriptions)

	_, err = d.Attach("s1")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, d.PublishFrame(model.FrameEvent{SessionID: "s1", Sequence: 1}), ErrUnknownSession)
	assert.ErrorIs(t, d.CloseSession("s1", ""), ErrUnknownSession)
}

func TestCloseSession_TerminalEventFitsFullBuffer(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{ViewerBuffer: 1, HeartbeatInterval: time.Hour})
	s, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)
	v, err := d.Attach("s1")
	require.NoError(t, err)

	s.broadcast(model.Heartbeat{SessionID: "s1", At: time.Now()}, 0)
	require.NoError(t, d.CloseSession("s1", ReasonStopped))

	e := next(t, v)
	assert.IsType(t, model.SessionClosed{}, e)
}

func TestLaggingViewerDetachedAsDegraded(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{
		Aggregator:        aggregator.Config{Threshold: 1},
		ViewerBuffer:      1,
		ViewerSendTimeout: 10 * time.Millisecond,
	})
	s, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	slow, err := d.Attach("s1")
	require.NoError(t, err)
	fast, err := d.Attach("s1")
	require.NoError(t, err)

	received := make(chan uint64, 3)
	go func() {
		for e := range fast.Events() {
			if ac, ok := e.(model.AccidentConfirmed); ok {
				received <- ac.Record.ConfirmedSequence
			}
		}
	}()

	publish(t, d, "s1", 1, "+-+-+")

	var got []uint64
	for len(got) < 3 {
		select {
		case seq := <-received:
			got = append(got, seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("fast viewer got %v", got)
		}
	}
	assert.Equal(t, []uint64{1, 3, 5}, got)

	require.Eventually(t, func() bool { return s.ViewerCount() == 1 }, time.Second, 5*time.Millisecond)

	var last model.Event
	for e := range slow.Events() {
		last = e
	}
	closed, ok := last.(model.SessionClosed)
	require.True(t, ok)
	assert.Equal(t, ReasonDegraded, closed.Reason)
	assert.ErrorIs(t, slow.Err(), ErrViewerLagging)
}

func TestAccidentsReachStorageWithoutViewers(t *testing.T) {
	d, b := newTestDispatcher(t, Config{})
	sink := &memorySink{}
	rec := recorder.New(sink, recorder.Config{}, logger.NewDiscard())
	go rec.Run()
	t.Cleanup(func() { _ = rec.Close(context.Background()) })

	_, err := b.SubscribeFunc(bus.TopicAccidents, rec.HandleEvent, bus.Options{Name: "storage"})
	require.NoError(t, err)

	s, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.ViewerCount())

	publish(t, d, "s1", 1, "++++++")

	require.Eventually(t, func() bool { return len(sink.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"s1-000001"}, sink.ids())
}

func TestIdleSessionsAreClosed(t *testing.T) {
	d, b := newTestDispatcher(t, Config{IdleTimeout: 40 * time.Millisecond})
	lifecycle, err := b.Subscribe(bus.TopicSessions, bus.Options{Name: "lifecycle"})
	require.NoError(t, err)

	_, err = d.OpenSession("s1", "cam-1")
	require.NoError(t, err)
	v, err := d.Attach("s1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	e := next(t, v)
	closed, ok := e.(model.SessionClosed)
	require.True(t, ok, "got %s", e.Kind())
	assert.Equal(t, ReasonIdleTimeout, closed.Reason)

	_, ok = d.Session("s1")
	assert.False(t, ok)

	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	ev, err := lifecycle.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, model.KindSessionClosed, ev.Kind())
	assert.Equal(t, "s1", ev.Session())
}

func TestFramesKeepSessionAlive(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{IdleTimeout: 80 * time.Millisecond})
	_, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, d.PublishFrame(model.FrameEvent{SessionID: "s1", Sequence: seq}))
		time.Sleep(20 * time.Millisecond)
	}
	_, ok := d.Session("s1")
	assert.True(t, ok)
}

func TestHeartbeats(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{HeartbeatInterval: 10 * time.Millisecond})
	_, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)
	v, err := d.Attach("s1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	e := next(t, v)
	hb, ok := e.(model.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "s1", hb.SessionID)
}

func TestConcurrentAttachDetachDuringBroadcast(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Aggregator: aggregator.Config{Threshold: 1}, ViewerBuffer: 4})
	s, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, err := d.Attach("s1")
				if err != nil {
					return
				}
				v.Detach()
			}
		}()
	}

	pattern := make([]byte, 200)
	for i := range pattern {
		pattern[i] = "+-"[i%2]
	}
	publish(t, d, "s1", 1, string(pattern))

	require.Eventually(t, func() bool { return s.Window().LastSequence == 200 }, 2*time.Second, 5*time.Millisecond)
	close(stop)
	wg.Wait()
	assert.Equal(t, 0, s.ViewerCount())
	assert.Equal(t, 100, s.Info().Accidents)
}

func TestSessions_Info(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	_, err := d.OpenSession("a", "cam-1")
	require.NoError(t, err)
	_, err = d.OpenSession("b", "cam-2")
	require.NoError(t, err)
	_, err = d.Attach("b")
	require.NoError(t, err)

	infos := d.Sessions()
	require.Len(t, infos, 2)
	byID := map[string]model.SessionInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.Equal(t, 1, byID["b"].Viewers)
	assert.Equal(t, model.SessionActive, byID["a"].Status)
	assert.Equal(t, "idle", byID["a"].WindowState)
}

type memorySink struct {
	mu      sync.Mutex
	records []model.AccidentRecord
}

func (m *memorySink) RecordAccident(_ context.Context, rec model.AccidentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.records))
	for i, r := range m.records {
		ids[i] = r.IncidentID
	}
	return ids
}

func TestDrain_WaitsForQueuedFrames(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Aggregator: aggregator.Config{Threshold: 3}})
	s, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	publish(t, d, "s1", 1, "-+++-")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx, "s1"))

	assert.Equal(t, 1, s.Info().Accidents)
	assert.Equal(t, uint64(5), s.Window().LastSequence)

	assert.ErrorIs(t, d.Drain(ctx, "nope"), ErrUnknownSession)
}

func TestEvictedFrameBreaksStreak(t *testing.T) {
	// One worker and a one-frame queue, so a held worker forces evictions.
	b := bus.New(bus.Config{Workers: 1, Capacity: 1, Policy: bus.DropOldest, BlockTimeout: 20 * time.Millisecond}, logger.NewDiscard())
	d := New(b, Config{Aggregator: aggregator.Config{Threshold: 4}}, logger.NewDiscard())

	started := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(hold) }) }
	t.Cleanup(func() {
		release()
		d.Close()
		b.Close()
	})

	s, err := d.OpenSession("s1", "cam-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for seq := uint64(1); seq <= 3; seq++ {
		publish(t, d, "s1", seq, "+")
		require.NoError(t, d.Drain(ctx, "s1"))
	}
	require.Equal(t, 3, s.Window().ConsecutivePositive)

	_, err = b.SubscribeFunc("busy", func(context.Context, model.Event) error {
		close(started)
		<-hold
		return nil
	}, bus.Options{})
	require.NoError(t, err)
	require.NoError(t, b.Publish("busy", model.Heartbeat{SessionID: "s1"}))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the blocking handler")
	}

	// Frame 5 evicts the queued negative frame 4.
	publish(t, d, "s1", 4, "-+")
	release()
	require.NoError(t, d.Drain(ctx, "s1"))

	assert.Equal(t, 0, s.Info().Accidents)
	w := s.Window()
	assert.Equal(t, aggregator.Candidate, w.State)
	assert.Equal(t, 1, w.ConsecutivePositive)
	assert.Equal(t, uint64(5), w.EpisodeStart)

	// Three more positives confirm a streak that starts after the gap.
	v, err := d.Attach("s1")
	require.NoError(t, err)
	publish(t, d, "s1", 6, "+")
	require.NoError(t, d.Drain(ctx, "s1"))
	publish(t, d, "s1", 7, "+")
	require.NoError(t, d.Drain(ctx, "s1"))
	publish(t, d, "s1", 8, "+")
	rec := nextAccident(t, v)
	assert.Equal(t, []uint64{5, 6, 7, 8}, rec.SupportingSequences())
}
