package publish

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/lowaak/smart-trainer/trainer-core/internal/device"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
	"go.uber.org/zap"
)

// Options configure the broker connection
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// RealPublisher publishes to an actual MQTT broker
type RealPublisher struct {
	client  paho.Client
	topics  Topics
	timeout time.Duration
	logger  *zap.Logger
}

// NewRealPublisher connects to the broker. The status topic carries a
// retained last-will reporting both devices disconnected.
func NewRealPublisher(opts Options, logger *zap.Logger) (*RealPublisher, error) {
	if logger == nil {
		panic("Publisher: logger cannot be nil")
	}
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker not set")
	}
	if opts.ClientID == "" {
		opts.ClientID = "smart-trainer"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	topics := TopicsFor(opts.TopicPrefix)

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(topics.Status, offlinePayload(), 1, true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("Publisher: broker connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("Publisher: connected to broker", zap.String("broker", opts.Broker))
		})

	client := paho.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}

	return &RealPublisher{
		client:  client,
		topics:  topics,
		timeout: opts.PublishTimeout,
		logger:  logger,
	}, nil
}

// PublishMetrics sends live values with QoS 0, they are superseded every
// second
func (p *RealPublisher) PublishMetrics(m ride.Metrics) error {
	payload, err := FormatMetrics(m)
	if err != nil {
		return fmt.Errorf("format metrics: %w", err)
	}
	return p.publish(p.topics.Live, 0, false, payload)
}

// PublishStatus sends a retained status so new subscribers see the current one
func (p *RealPublisher) PublishStatus(s device.Status) error {
	payload, err := FormatStatus(s)
	if err != nil {
		return fmt.Errorf("format status: %w", err)
	}
	return p.publish(p.topics.Status, 1, true, payload)
}

func (p *RealPublisher) PublishRide(e RideEvent) error {
	payload, err := FormatRideEvent(e)
	if err != nil {
		return fmt.Errorf("format ride event: %w", err)
	}
	return p.publish(p.topics.Ride, 1, false, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close publishes the offline status and disconnects
func (p *RealPublisher) Close() error {
	if err := p.publish(p.topics.Status, 1, true, offlinePayload()); err != nil {
		p.logger.Warn("Publisher: could not publish offline status", zap.Error(err))
	}
	p.client.Disconnect(1000)
	return nil
}
