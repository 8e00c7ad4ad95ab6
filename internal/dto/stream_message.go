package dto

import (
	"time"

	"trafficwatch/internal/model"
)

// AccidentPayload is the viewer-facing view of a confirmed accident.
type AccidentPayload struct {
	IncidentID          string    `json:"incident_id"`
	CameraID            string    `json:"camera_id"`
	StartSequence       uint64    `json:"start_sequence"`
	ConfirmedSequence   uint64    `json:"confirmed_sequence"`
	ConfirmedAt         time.Time `json:"confirmed_at"`
	PeakConfidence      float64   `json:"peak_confidence"`
	SupportingSequences []uint64  `json:"supporting_sequences"`
}

// StreamMessage is one message pushed to a WebSocket or SSE viewer.
type StreamMessage struct {
	Type      model.Kind       `json:"type"`
	SessionID string           `json:"session_id"`
	At        time.Time        `json:"at"`
	Accident  *AccidentPayload `json:"accident,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// NewStreamMessage converts a viewer event. Frame events are never streamed
// and yield ok == false.
func NewStreamMessage(e model.Event) (msg StreamMessage, ok bool) {
	switch ev := e.(type) {
	case model.AccidentConfirmed:
		rec := ev.Record
		return StreamMessage{
			Type:      ev.Kind(),
			SessionID: rec.SessionID,
			At:        rec.ConfirmedAt,
			Accident: &AccidentPayload{
				IncidentID:          rec.IncidentID,
				CameraID:            rec.CameraID,
				StartSequence:       rec.StartSequence,
				ConfirmedSequence:   rec.ConfirmedSequence,
				ConfirmedAt:         rec.ConfirmedAt,
				PeakConfidence:      rec.PeakConfidence,
				SupportingSequences: rec.SupportingSequences(),
			},
		}, true
	case model.SessionClosed:
		return StreamMessage{Type: ev.Kind(), SessionID: ev.SessionID, At: ev.At, Reason: ev.Reason}, true
	case model.Heartbeat:
		return StreamMessage{Type: ev.Kind(), SessionID: ev.SessionID, At: ev.At}, true
	}
	return StreamMessage{}, false
}

// EventID is the SSE id of the message: the incident id for accidents.
func (m StreamMessage) EventID() string {
	if m.Accident != nil {
		return m.Accident.IncidentID
	}
	return ""
}
