package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	mqttConnectTimeout   = 10 * time.Second
	mqttSubscribeTimeout = 5 * time.Second
	mqttDisconnectQuiet  = 250 // ms
)

// MQTTSource subscribes to a topic carrying one JSON sample per message.
type MQTTSource struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
	Username string
	Password string
	Logger   *slog.Logger

	dropped atomic.Int64
}

func (s *MQTTSource) Name() string { return "mqtt" }

// Dropped reports how many messages were discarded because the daemon was
// not keeping up.
func (s *MQTTSource) Dropped() int64 { return s.dropped.Load() }

func (s *MQTTSource) Run(ctx context.Context, out chan<- Sample) error {
	if s.Broker == "" || s.Topic == "" {
		return errors.New("mqtt broker and topic are required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientID := s.ClientID
	if clientID == "" {
		clientID = "shakebrainz-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.Broker)
	opts.SetClientID(clientID)
	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s.handlePayload(ctx, msg.Payload(), out, logger)
	}
	// Resubscribe on every (re)connect.
	opts.OnConnect = func(c mqtt.Client) {
		token := c.Subscribe(s.Topic, 0, handler)
		if !token.WaitTimeout(mqttSubscribeTimeout) {
			logger.Warn("mqtt subscribe timeout", "topic", s.Topic)
			return
		}
		if err := token.Error(); err != nil {
			logger.Warn("mqtt subscribe failed", "topic", s.Topic, "error", err)
			return
		}
		logger.Info("mqtt sensor attached", "broker", s.Broker, "topic", s.Topic)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", s.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.Broker, err)
	}

	<-ctx.Done()
	client.Disconnect(mqttDisconnectQuiet)
	return ctx.Err()
}

// handlePayload never blocks the paho callback goroutine; when out is full
// the sample is dropped.
func (s *MQTTSource) handlePayload(ctx context.Context, payload []byte, out chan<- Sample, logger *slog.Logger) {
	sample, err := ParseSample(payload, s.Name(), time.Now())
	if err != nil {
		logger.Debug("skipping mqtt message", "error", err)
		return
	}
	select {
	case out <- sample:
	case <-ctx.Done():
	default:
		s.dropped.Add(1)
	}
}
