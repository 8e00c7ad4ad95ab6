package model

import "time"

// SessionStatus is the lifecycle state of an analysis session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID          string        `json:"session_id"`
	CameraID    string        `json:"camera_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Status      SessionStatus `json:"status"`
	Viewers     int           `json:"viewers"`
	LastFrameAt time.Time     `json:"last_frame_at"`
	WindowState string        `json:"window_state"`
	Accidents   int           `json:"accidents"`
}
