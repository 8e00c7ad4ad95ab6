package model

import "time"

// Kind names an event variant on the wire and in logs.
type Kind string

const (
	KindFrame         Kind = "frame"
	KindAccident      Kind = "accident_confirmed"
	KindSessionClosed Kind = "session_closed"
	KindHeartbeat     Kind = "heartbeat"
)

// Event is the closed set of values carried by the event bus and delivered to
// viewers: FrameEvent, AccidentConfirmed, SessionClosed and Heartbeat.
type Event interface {
	Kind() Kind
	Session() string
	isEvent()
}

// AccidentConfirmed announces a newly confirmed accident.
type AccidentConfirmed struct {
	Record AccidentRecord
}

// SessionClosed is the terminal event of a session stream.
type SessionClosed struct {
	SessionID string
	Reason    string
	At        time.Time
}

// Heartbeat keeps idle streams alive.
type Heartbeat struct {
	SessionID string
	At        time.Time
}

func (FrameEvent) Kind() Kind        { return KindFrame }
func (AccidentConfirmed) Kind() Kind { return KindAccident }
func (SessionClosed) Kind() Kind     { return KindSessionClosed }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }

func (e FrameEvent) Session() string        { return e.SessionID }
func (e AccidentConfirmed) Session() string { return e.Record.SessionID }
func (e SessionClosed) Session() string     { return e.SessionID }
func (e Heartbeat) Session() string         { return e.SessionID }

func (FrameEvent) isEvent()        {}
func (AccidentConfirmed) isEvent() {}
func (SessionClosed) isEvent()     {}
func (Heartbeat) isEvent()         {}

// Droppable reports whether the bus may discard the event under a drop policy.
// Only frame events qualify.
func Droppable(e Event) bool {
	_, ok := e.(FrameEvent)
	return ok
}
