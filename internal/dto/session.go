package dto

import (
	"time"

	"trafficwatch/internal/model"
	"trafficwatch/internal/service/bus"
)

type StartSessionRequest struct {
	CameraID string `json:"camera_id"`
}

type StopSessionRequest struct {
	Reason string `json:"reason"`
}

// SessionResponse describes a session together with the URLs its viewers
// connect to.
type SessionResponse struct {
	model.SessionInfo
	StreamURL string                `json:"ws_url"`
	EventsURL string                `json:"sse_url"`
	Delivery  []bus.SubscriberStats `json:"delivery,omitempty"`
}

// NewSessionResponse fills in the stream URLs of a session.
func NewSessionResponse(info model.SessionInfo) SessionResponse {
	return SessionResponse{
		SessionInfo: info,
		StreamURL:   "/api/sessions/" + info.ID + "/ws",
		EventsURL:   "/api/sessions/" + info.ID + "/events",
	}
}

type SessionsData struct {
	Sessions []SessionResponse `json:"sessions"`
	Length   int               `json:"length"`
}

// FrameRequest carries one frame result posted by an external detection pipeline.
type FrameRequest struct {
	Sequence   uint64            `json:"sequence"`
	CapturedAt time.Time         `json:"captured_at"`
	Detections []model.Detection `json:"detections"`
}

type FrameResponse struct {
	SessionID string `json:"session_id"`
	Sequence  uint64 `json:"sequence"`
	Positive  bool   `json:"positive"`
}

// ErrorResponse is the JSON body of API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
