package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trafficwatch/internal/model"
)

var (
	ErrBusClosed          = errors.New("bus: closed")
	ErrResourceExhausted  = errors.New("bus: subscription limit reached")
	ErrBackpressure       = errors.New("bus: subscriber queue full")
	ErrSubscriberStalled  = errors.New("bus: subscriber stalled, critical event not queued")
	ErrSubscriptionClosed = errors.New("bus: subscription closed")
	ErrNilHandler         = errors.New("bus: nil handler")
)

// DropPolicy decides what happens to a frame event when a subscriber queue is full.
// Non-frame events are never subject to it.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued frame to make room for the new one.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming frame.
	DropNewest
	// Block waits up to the block timeout for room, then fails with ErrBackpressure.
	Block
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Block:
		return "block"
	}
	return fmt.Sprintf("DropPolicy(%d)", int(p))
}

// ParsePolicy maps a configuration value to a DropPolicy.
func ParsePolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-oldest", "":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return DropOldest, fmt.Errorf("bus: unknown drop policy %q", s)
}

// Handler consumes events of a push-mode subscription. A returned error is
// logged and does not stop delivery.
type Handler func(ctx context.Context, e model.Event) error

// Options tune a single subscription. Zero values fall back to the bus defaults.
type Options struct {
	Name         string
	Capacity     int
	Policy       *DropPolicy
	BlockTimeout time.Duration
}

// WithPolicy returns a pointer suitable for Options.Policy.
func WithPolicy(p DropPolicy) *DropPolicy {
	return &p
}

// Config holds bus-wide settings.
type Config struct {
	Workers          int
	MaxSubscriptions int
	Capacity         int
	Policy           DropPolicy
	BlockTimeout     time.Duration
	// DrainBatch bounds how many events a worker delivers for one subscription
	// before yielding to others.
	DrainBatch int
}

// SubscriberStats tracks delivery metrics of one subscription.
type SubscriberStats struct {
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Stalled   uint64 `json:"stalled"`
	Lost      uint64 `json:"lost"`
}

// Stats is a bus-wide snapshot.
type Stats struct {
	Published     uint64 `json:"published"`
	Subscriptions int    `json:"subscriptions"`
	Dropped       uint64 `json:"dropped"`
	Stalled       uint64 `json:"stalled"`
	Lost          uint64 `json:"lost"`
	HandlerErrors uint64 `json:"handler_errors"`
	Pending       int    `json:"pending"`
}

// Topic bases used by the pipeline.
const (
	TopicFrames    = "frames"
	TopicAccidents = "accidents"
	TopicSessions  = "sessions"
)

// Topic builds a session-partitioned topic name such as "frames:sess_1a2b".
func Topic(base, sessionID string) string {
	if sessionID == "" {
		return base
	}
	return base + ":" + sessionID
}

// baseOf returns the partition base of a topic ("frames:abc" -> "frames").
func baseOf(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i]
	}
	return topic
}
