package dto

import (
	"encoding/json"
	"time"

	"trafficwatch/internal/model"
)

// AccidentInfo is the list view of a stored accident.
type AccidentInfo struct {
	IncidentID        string    `json:"incident_id"`
	SessionID         string    `json:"session_id"`
	Camera            string    `json:"camera"`
	StartSequence     uint64    `json:"start_sequence"`
	ConfirmedSequence uint64    `json:"confirmed_sequence"`
	ConfirmedAt       time.Time `json:"confirmed_at"`
	PeakConfidence    float64   `json:"peak_confidence"`
	Frames            int       `json:"frames"`
}

// NewAccidentInfo summarizes a record.
func NewAccidentInfo(rec model.AccidentRecord) AccidentInfo {
	return AccidentInfo{
		IncidentID:        rec.IncidentID,
		SessionID:         rec.SessionID,
		Camera:            rec.CameraID,
		StartSequence:     rec.StartSequence,
		ConfirmedSequence: rec.ConfirmedSequence,
		ConfirmedAt:       rec.ConfirmedAt,
		PeakConfidence:    rec.PeakConfidence,
		Frames:            len(rec.SupportingFrames),
	}
}

// MarshalJSON adds the display date and time of day next to the RFC 3339 timestamp.
func (a AccidentInfo) MarshalJSON() ([]byte, error) {
	type Alias AccidentInfo
	return json.Marshal(&struct {
		Date      string `json:"date"`
		TimeOfDay string `json:"timeOfDay"`
		Alias
	}{
		Date:      a.ConfirmedAt.Format("02-01-2006"),
		TimeOfDay: a.ConfirmedAt.Format("15:04:05"),
		Alias:     (Alias)(a),
	})
}
