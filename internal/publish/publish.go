// Package publish forwards live position fixes to an MQTT broker, one
// topic per device.
package publish

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho takes a plain uint
)

// Config carries broker connection settings.
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// WithLogger sets the logger for the publisher.
func WithLogger(logger *slog.Logger) func(*Publisher) {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// positionMessage is the JSON payload published per fix. Coordinates are
// millimetres, qf is the node-reported quality percentage.
type positionMessage struct {
	ID int    `json:"id"`
	X  int32  `json:"x"`
	Y  int32  `json:"y"`
	Z  int32  `json:"z"`
	QF uint8  `json:"qf"`
	At string `json:"at"`
}

// Publisher publishes position fixes over MQTT.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *slog.Logger
}

// New connects to the broker and returns a ready publisher.
func New(cfg Config, options ...func(*Publisher)) (*Publisher, error) {
	p := Publisher{
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.logger.Info("MQTT connected", slog.String("broker", cfg.BrokerURL))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("MQTT connection lost", slog.Any("error", err))
	})

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connecting to broker %s: timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", cfg.BrokerURL, err)
	}

	return &p, nil
}

// Publish sends one position fix for the given logical device ID. Delivery
// is fire and forget; a send the broker never acknowledges is logged, not
// returned.
func (p *Publisher) Publish(deviceID int, at time.Time, rec dwm.PositionRecord) error {
	payload, err := json.Marshal(positionMessage{
		ID: deviceID,
		X:  rec.X,
		Y:  rec.Y,
		Z:  rec.Z,
		QF: rec.Quality,
		At: at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshaling position: %w", err)
	}

	topic := p.topic(deviceID)
	token := p.client.Publish(topic, p.qos, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Warn("publish failed",
				slog.String("topic", topic),
				slog.Any("error", err))
		}
	}()

	return nil
}

func (p *Publisher) topic(deviceID int) string {
	return fmt.Sprintf("%s%d", p.prefix, deviceID)
}

// Close disconnects from the broker, allowing in-flight messages a short
// quiesce period.
func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiesce)
}
