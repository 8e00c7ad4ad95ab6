// Package notify publishes confirmed accidents to an MQTT broker for
// downstream alerting.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
)

var ErrNotConnected = errors.New("notify: mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

type Config struct {
	Broker   string // host:port or a full tcp:// / ssl:// / ws:// URL
	ClientID string
	Topic    string // accidents go to <Topic>/<camera id>
	QoS      byte
}

// AccidentMessage is the MQTT payload of a confirmed accident.
type AccidentMessage struct {
	IncidentID          string    `json:"incident_id"`
	SessionID           string    `json:"session_id"`
	Camera              string    `json:"camera"`
	StartSequence       uint64    `json:"start_sequence"`
	ConfirmedSequence   uint64    `json:"confirmed_sequence"`
	ConfirmedAt         time.Time `json:"confirmed_at"`
	PeakConfidence      float64   `json:"peak_confidence"`
	SupportingSequences []uint64  `json:"supporting_sequences"`
}

// MQTTNotifier is a storage-path sink that publishes each accident once per
// successful call. Retries are left to the recorder driving it; subscribers
// de-duplicate on incident_id.
type MQTTNotifier struct {
	cfg    Config
	logger *logger.Logger
	Client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func NewMQTTNotifier(cfg Config, logger *logger.Logger) *MQTTNotifier {
	if cfg.Topic == "" {
		cfg.Topic = "trafficwatch/accidents"
	}
	return &MQTTNotifier{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. The client reconnects on its own
// afterwards.
func (n *MQTTNotifier) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(n.cfg.Broker))
	opts.SetClientID(n.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		n.setConnected(true)
		n.logger.Info("MQTT connected to %s as %s", n.cfg.Broker, n.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		n.setConnected(false)
		n.logger.Warning("MQTT connection to %s lost, reconnecting: %v", n.cfg.Broker, err)
	}

	n.Client = mqtt.NewClient(opts)

	n.logger.Info("Connecting to MQTT broker %s", n.cfg.Broker)
	token := n.Client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection to %s timed out", n.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	n.setConnected(true)
	return nil
}

// Topic returns the topic an accident is published on.
func (n *MQTTNotifier) Topic(rec model.AccidentRecord) string {
	camera := rec.CameraID
	if camera == "" {
		camera = "unknown"
	}
	return n.cfg.Topic + "/" + camera
}

// NewAccidentMessage builds the payload for rec. Detections of the supporting
// frames are left out to keep messages small.
func NewAccidentMessage(rec model.AccidentRecord) AccidentMessage {
	return AccidentMessage{
		IncidentID:          rec.IncidentID,
		SessionID:           rec.SessionID,
		Camera:              rec.CameraID,
		StartSequence:       rec.StartSequence,
		ConfirmedSequence:   rec.ConfirmedSequence,
		ConfirmedAt:         rec.ConfirmedAt,
		PeakConfidence:      rec.PeakConfidence,
		SupportingSequences: rec.SupportingSequences(),
	}
}

// RecordAccident publishes rec and waits for the broker acknowledgement.
func (n *MQTTNotifier) RecordAccident(ctx context.Context, rec model.AccidentRecord) error {
	if n.Client == nil || !n.isConnected() {
		n.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(NewAccidentMessage(rec))
	if err != nil {
		n.countError()
		return fmt.Errorf("failed to encode accident %s: %w", rec.IncidentID, err)
	}

	topic := n.Topic(rec)
	token := n.Client.Publish(topic, n.cfg.QoS, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		n.countError()
		return ctx.Err()
	case <-time.After(publishTimeout):
		n.countError()
		return fmt.Errorf("mqtt publish of %s timed out", rec.IncidentID)
	}
	if err := token.Error(); err != nil {
		n.countError()
		return fmt.Errorf("mqtt publish failed: %w", err)
	}

	n.mu.Lock()
	n.published[topic]++
	n.mu.Unlock()
	return nil
}

// Disconnect closes the broker connection.
func (n *MQTTNotifier) Disconnect() {
	if n.Client != nil && n.Client.IsConnected() {
		n.Client.Disconnect(250)
		n.logger.Info("MQTT disconnected from %s", n.cfg.Broker)
	}
	n.setConnected(false)
}

// Stats contains notifier statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (n *MQTTNotifier) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	published := make(map[string]uint64, len(n.published))
	for k, v := range n.published {
		published[k] = v
	}
	return Stats{Connected: n.connected, Published: published, Errors: n.errors}
}

func (n *MQTTNotifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *MQTTNotifier) isConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

func (n *MQTTNotifier) countError() {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
}
