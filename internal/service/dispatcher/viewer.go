package dispatcher

import (
	"context"
	"sync"
	"time"

	"trafficwatch/internal/model"
)

// Viewer is one live subscriber of a session's stream. It sees only events
// published after it attached.
type Viewer struct {
	ID        string
	SessionID string

	session *Session
	ch      chan model.Event
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

func newViewer(id string, s *Session, buffer int) *Viewer {
	return &Viewer{
		ID:        id,
		SessionID: s.ID,
		session:   s,
		ch:        make(chan model.Event, buffer),
		done:      make(chan struct{}),
	}
}

// Events returns the outbound event channel. It is closed after the terminal
// event, or right away when the viewer detaches itself.
func (v *Viewer) Events() <-chan model.Event {
	return v.ch
}

// Next blocks for the next event. Once the stream has ended it returns the
// reason: ErrSessionClosed, ErrViewerLagging or ErrViewerDetached.
func (v *Viewer) Next(ctx context.Context) (model.Event, error) {
	select {
	case e, ok := <-v.ch:
		if !ok {
			return nil, v.Err()
		}
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed as soon as the viewer stops receiving.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// Err reports why the stream ended, or nil while it is live.
func (v *Viewer) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Detach stops the stream without a terminal event and removes the viewer
// from its session. It is safe to call more than once.
func (v *Viewer) Detach() {
	if v.finish(nil, ErrViewerDetached) {
		v.session.removeViewer(v)
	}
}

// send queues e. With wait > 0 it waits that long for room; otherwise it gives
// up immediately when the buffer is full.
func (v *Viewer) send(e model.Event, wait time.Duration) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return false
	}

	select {
	case v.ch <- e:
		return true
	default:
	}
	if wait <= 0 {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case v.ch <- e:
		return true
	case <-v.done:
		return false
	case <-timer.C:
		return false
	}
}

// finish ends the stream once. A non-nil terminal event is queued before the
// channel closes, evicting the oldest buffered event when there is no room.
// It reports whether this call ended the stream.
func (v *Viewer) finish(terminal model.Event, cause error) bool {
	first := false
	v.once.Do(func() {
		first = true
		close(v.done)
	})
	if !first {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if terminal != nil {
		select {
		case v.ch <- terminal:
		default:
			select {
			case <-v.ch:
			default:
			}
			select {
			case v.ch <- terminal:
			default:
			}
		}
	}
	v.closed = true
	v.err = cause
	close(v.ch)
	return true
}
