package model

import "time"

// FrameEvent is the detection result for one analyzed video frame.
// It must not be modified after it has been published.
type FrameEvent struct {
	SessionID  string      `json:"session_id"`
	Sequence   uint64      `json:"sequence"`
	CapturedAt time.Time   `json:"captured_at"`
	Detections []Detection `json:"detections"`
	Positive   bool        `json:"positive"`
}

// NewFrameEvent builds a FrameEvent and derives Positive from the detections.
func NewFrameEvent(sessionID string, seq uint64, capturedAt time.Time, detections []Detection, threshold float64, labels ...string) FrameEvent {
	dets := make([]Detection, len(detections))
	copy(dets, detections)
	return FrameEvent{
		SessionID:  sessionID,
		Sequence:   seq,
		CapturedAt: capturedAt,
		Detections: dets,
		Positive:   IsPositive(dets, threshold, labels...),
	}
}
