package model

import "time"

// AccidentRecord describes one confirmed accident episode.
type AccidentRecord struct {
	IncidentID        string       `json:"incident_id"`
	SessionID         string       `json:"session_id"`
	CameraID          string       `json:"camera_id"`
	StartSequence     uint64       `json:"start_sequence"`
	ConfirmedSequence uint64       `json:"confirmed_sequence"`
	ConfirmedAt       time.Time    `json:"confirmed_at"`
	PeakConfidence    float64      `json:"peak_confidence"`
	SupportingFrames  []FrameEvent `json:"supporting_frames"`
}

// SupportingSequences returns the sequence numbers of the supporting frames in order.
func (r AccidentRecord) SupportingSequences() []uint64 {
	seqs := make([]uint64, len(r.SupportingFrames))
	for i, f := range r.SupportingFrames {
		seqs[i] = f.Sequence
	}
	return seqs
}
