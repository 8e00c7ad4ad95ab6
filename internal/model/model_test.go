package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsPositive(t *testing.T) {
	dets := []Detection{
		{Label: "car", Confidence: 0.40},
		{Label: "accident", Confidence: 0.70},
	}

	tests := []struct {
		name      string
		threshold float64
		labels    []string
		want      bool
	}{
		{"above threshold any label", 0.65, nil, true},
		{"below threshold", 0.80, nil, false},
		{"matching label", 0.65, []string{"accident"}, true},
		{"label below threshold", 0.30, []string{"car"}, true},
		{"no matching label", 0.65, []string{"car"}, false},
		{"threshold is inclusive", 0.70, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPositive(dets, tt.threshold, tt.labels...))
		})
	}
}

func TestIsPositive_NoDetections(t *testing.T) {
	assert.False(t, IsPositive(nil, 0))
}

func TestNewFrameEvent_CopiesDetections(t *testing.T) {
	dets := []Detection{{Label: "accident", Confidence: 0.9}}
	f := NewFrameEvent("s1", 7, time.Unix(100, 0), dets, 0.5)

	dets[0].Confidence = 0.1

	assert.True(t, f.Positive)
	assert.Equal(t, 0.9, f.Detections[0].Confidence)
	assert.Equal(t, uint64(7), f.Sequence)
	assert.Equal(t, "s1", f.Session())
}

func TestPeakConfidence(t *testing.T) {
	assert.Equal(t, 0.0, PeakConfidence(nil))
	assert.Equal(t, 0.8, PeakConfidence([]Detection{{Confidence: 0.3}, {Confidence: 0.8}, {Confidence: 0.5}}))
}

func TestDroppable(t *testing.T) {
	assert.True(t, Droppable(FrameEvent{}))
	assert.False(t, Droppable(AccidentConfirmed{}))
	assert.False(t, Droppable(SessionClosed{}))
	assert.False(t, Droppable(Heartbeat{}))
}

func TestEventKinds(t *testing.T) {
	events := []Event{
		FrameEvent{SessionID: "a"},
		AccidentConfirmed{Record: AccidentRecord{SessionID: "a"}},
		SessionClosed{SessionID: "a"},
		Heartbeat{SessionID: "a"},
	}
	kinds := []Kind{KindFrame, KindAccident, KindSessionClosed, KindHeartbeat}

	for i, e := range events {
		assert.Equal(t, kinds[i], e.Kind())
		assert.Equal(t, "a", e.Session())
	}
}

func TestSupportingSequences(t *testing.T) {
	r := AccidentRecord{SupportingFrames: []FrameEvent{{Sequence: 5}, {Sequence: 6}, {Sequence: 7}}}
	assert.Equal(t, []uint64{5, 6, 7}, r.SupportingSequences())
}
