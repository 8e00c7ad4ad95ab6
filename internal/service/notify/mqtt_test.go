package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, completed bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if completed {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes; calling anything else panics.
type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	messages []message
	token    func() mqtt.Token
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.messages = append(c.messages, message{topic: topic, qos: qos, payload: payload.([]byte)})
	c.mu.Unlock()
	if c.token != nil {
		return c.token()
	}
	return newToken(nil, true)
}

func connectedNotifier(client mqtt.Client) *MQTTNotifier {
	n := NewMQTTNotifier(Config{Broker: "localhost:1883", ClientID: "test", Topic: "city/accidents", QoS: 1}, logger.NewDiscard())
	n.Client = client
	n.setConnected(true)
	return n
}

func testRecord() model.AccidentRecord {
	return model.AccidentRecord{
		IncidentID:        "s1-000001",
		SessionID:         "s1",
		CameraID:          "cam-7",
		StartSequence:     5,
		ConfirmedSequence: 8,
		ConfirmedAt:       time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		PeakConfidence:    0.93,
		SupportingFrames: []model.FrameEvent{
			{Sequence: 5}, {Sequence: 6}, {Sequence: 7}, {Sequence: 8},
		},
	}
}

func TestRecordAccident_Publishes(t *testing.T) {
	client := &fakeClient{}
	n := connectedNotifier(client)

	require.NoError(t, n.RecordAccident(context.Background(), testRecord()))

	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, "city/accidents/cam-7", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var got AccidentMessage
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, "s1-000001", got.IncidentID)
	assert.Equal(t, []uint64{5, 6, 7, 8}, got.SupportingSequences)
	assert.InDelta(t, 0.93, got.PeakConfidence, 1e-9)

	assert.Equal(t, uint64(1), n.Stats().Published["city/accidents/cam-7"])
}

func TestRecordAccident_NotConnected(t *testing.T) {
	n := NewMQTTNotifier(Config{Broker: "localhost:1883"}, logger.NewDiscard())

	err := n.RecordAccident(context.Background(), testRecord())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, uint64(1), n.Stats().Errors)
}

func TestRecordAccident_BrokerError(t *testing.T) {
	client := &fakeClient{token: func() mqtt.Token { return newToken(errors.New("not authorized"), true) }}
	n := connectedNotifier(client)

	err := n.RecordAccident(context.Background(), testRecord())
	assert.ErrorContains(t, err, "not authorized")
	assert.Equal(t, uint64(1), n.Stats().Errors)
}

func TestRecordAccident_ContextCancelled(t *testing.T) {
	client := &fakeClient{token: func() mqtt.Token { return newToken(nil, false) }}
	n := connectedNotifier(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := n.RecordAccident(ctx, testRecord())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTopic_UnknownCamera(t *testing.T) {
	n := NewMQTTNotifier(Config{}, logger.NewDiscard())
	rec := testRecord()
	rec.CameraID = ""
	assert.Equal(t, "trafficwatch/accidents/unknown", n.Topic(rec))
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}
