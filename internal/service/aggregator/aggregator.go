// Package aggregator turns a session's per-frame accident classifications into
// confirmed accident episodes.
//
// A single positive frame is treated as noise. An accident is confirmed once
// K consecutive positive frames arrive; the frames that follow in the same
// episode are absorbed by a cooldown so the episode is confirmed exactly once.
package aggregator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"trafficwatch/internal/model"
)

// ErrSequenceViolation is returned for a frame whose sequence number is not
// greater than the last accepted one. The window is left untouched.
var ErrSequenceViolation = errors.New("aggregator: frame sequence out of order")

// State is the phase of an accident window.
type State int

const (
	Idle State = iota
	Candidate
	Confirmed
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Candidate:
		return "candidate"
	case Confirmed:
		return "confirmed"
	case Cooldown:
		return "cooldown"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config controls confirmation and de-duplication.
type Config struct {
	// Threshold is the number of consecutive positive frames (K) needed to confirm.
	Threshold int
	// CooldownFrames ends a cooldown after this many frames following the
	// confirmation, even if they are all positive. Zero disables the bound.
	CooldownFrames int
	// MaxEpisodeDuration ends a cooldown once this much capture time has passed
	// since the episode's first frame. Zero disables the bound.
	MaxEpisodeDuration time.Duration
}

// DefaultConfig confirms on four consecutive positive frames and bounds an
// episode to 30 seconds of capture time.
func DefaultConfig() Config {
	return Config{Threshold: 4, MaxEpisodeDuration: 30 * time.Second}
}

// Window is the per-session accident state.
type Window struct {
	SessionID           string
	State               State
	ConsecutivePositive int
	EpisodeStart        uint64
	LastSequence        uint64
	started             bool
	episodeStartedAt    time.Time
	cooldownFrames      int
	streak              []model.FrameEvent
}

// Aggregator owns the Window of one session.
type Aggregator struct {
	cfg      Config
	cameraID string
	now      func() time.Time

	mu       sync.Mutex
	window   Window
	counter  int
	released bool
}

// New creates an aggregator for sessionID. cameraID is copied onto emitted records.
func New(sessionID, cameraID string, cfg Config) *Aggregator {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	return &Aggregator{
		cfg:      cfg,
		cameraID: cameraID,
		now:      time.Now,
		window: Window{
			SessionID: sessionID,
			State:     Idle,
			streak:    make([]model.FrameEvent, 0, cfg.Threshold),
		},
	}
}

// Process feeds one frame into the state machine. It returns a record when the
// frame confirms an accident and nil otherwise.
func (a *Aggregator) Process(f model.FrameEvent) (*model.AccidentRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := &a.window
	if a.released {
		return nil, fmt.Errorf("aggregator: window for session %s released", w.SessionID)
	}
	if f.SessionID != w.SessionID {
		return nil, fmt.Errorf("aggregator: frame for session %s sent to %s", f.SessionID, w.SessionID)
	}
	if w.started && f.Sequence <= w.LastSequence {
		return nil, fmt.Errorf("%w: got %d after %d", ErrSequenceViolation, f.Sequence, w.LastSequence)
	}
	w.started = true
	w.LastSequence = f.Sequence

	if w.State == Cooldown {
		if !f.Positive {
			a.resetLocked()
			return nil, nil
		}
		w.cooldownFrames++
		if !a.cooldownExpiredLocked(f) {
			return nil, nil
		}
		// The detector stayed positive past the episode bound; treat this
		// frame as the first of a new streak.
		a.resetLocked()
	}

	if !f.Positive {
		a.resetLocked()
		return nil, nil
	}

	if w.State == Idle {
		w.State = Candidate
		w.EpisodeStart = f.Sequence
		w.episodeStartedAt = f.CapturedAt
	}
	w.ConsecutivePositive++
	w.streak = append(w.streak, f)

	if w.ConsecutivePositive < a.cfg.Threshold {
		return nil, nil
	}

	w.State = Confirmed
	record := a.buildRecordLocked(f)

	w.State = Cooldown
	w.cooldownFrames = 0
	w.streak = w.streak[:0]
	return record, nil
}

func (a *Aggregator) cooldownExpiredLocked(f model.FrameEvent) bool {
	w := &a.window
	if a.cfg.CooldownFrames > 0 && w.cooldownFrames > a.cfg.CooldownFrames {
		return true
	}
	if a.cfg.MaxEpisodeDuration > 0 && !w.episodeStartedAt.IsZero() && !f.CapturedAt.IsZero() &&
		f.CapturedAt.Sub(w.episodeStartedAt) >= a.cfg.MaxEpisodeDuration {
		return true
	}
	return false
}

func (a *Aggregator) buildRecordLocked(f model.FrameEvent) *model.AccidentRecord {
	w := &a.window
	a.counter++

	supporting := make([]model.FrameEvent, len(w.streak))
	copy(supporting, w.streak)

	peak := 0.0
	for _, sf := range supporting {
		if c := model.PeakConfidence(sf.Detections); c > peak {
			peak = c
		}
	}

	return &model.AccidentRecord{
		IncidentID:        fmt.Sprintf("%s-%06d", w.SessionID, a.counter),
		SessionID:         w.SessionID,
		CameraID:          a.cameraID,
		StartSequence:     w.EpisodeStart,
		ConfirmedSequence: f.Sequence,
		ConfirmedAt:       a.now(),
		PeakConfidence:    peak,
		SupportingFrames:  supporting,
	}
}

func (a *Aggregator) resetLocked() {
	w := &a.window
	w.State = Idle
	w.ConsecutivePositive = 0
	w.EpisodeStart = 0
	w.episodeStartedAt = time.Time{}
	w.cooldownFrames = 0
	w.streak = w.streak[:0]
}

// Break tells the window that frames between the last processed one and the
// next were lost. A streak cannot span the gap, so any candidate or cooldown
// is abandoned and the window returns to Idle. It reports whether an open
// streak or episode was cut.
func (a *Aggregator) Break() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	cut := a.window.State != Idle
	a.resetLocked()
	return cut
}

// Snapshot returns a copy of the window without its frame buffer.
func (a *Aggregator) Snapshot() Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.window
	w.streak = nil
	return w
}

// Confirmed returns how many accidents this aggregator has confirmed.
func (a *Aggregator) Confirmed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counter
}

// Release drops the window's buffered frames. Further frames are rejected.
func (a *Aggregator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
	a.window.streak = nil
}
