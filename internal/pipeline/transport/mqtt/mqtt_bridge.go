// Package mqtttransport republishes hub events to an MQTT broker.
package mqtttransport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"lprpipeline/internal/pipeline/codec"
	"lprpipeline/internal/pipeline/core"
	"lprpipeline/internal/pipeline/observability"
)

// bridgeUserID identifies the bridge subscriber in the hub.
const bridgeUserID = "mqtt-bridge"

// Publisher is the part of mqtt.Client the bridge uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Options configures the bridge.
type Options struct {
	TopicPrefix string
	QoS         byte
	Retain      bool
	Encoding    string
	Logger      observability.Logger
	Metrics     observability.Metrics

	// Channels are joined on start so channel-scoped events are republished too.
	Channels []string
}

// Bridge is a hub subscriber publishing each event to <prefix>/<event>.
type Bridge struct {
	publisher Publisher
	codec     codec.Codec
	opts      Options

	mu  sync.Mutex
	hub core.SubscriberRegistry
	id  string
}

// NewBridge constructs a bridge over publisher.
func NewBridge(publisher Publisher, opts Options) (*Bridge, error) {
	if publisher == nil {
		return nil, errors.New("mqtt publisher is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", opts.QoS)
	}
	c, err := codec.ForName(opts.Encoding)
	if err != nil {
		return nil, err
	}
	opts.TopicPrefix = strings.Trim(opts.TopicPrefix, "/")
	return &Bridge{publisher: publisher, codec: c, opts: opts}, nil
}

// Topic returns the topic for an event name.
func (b *Bridge) Topic(name string) string {
	if b.opts.TopicPrefix == "" {
		return name
	}
	return b.opts.TopicPrefix + "/" + name
}

// Deliver publishes event and waits for the broker acknowledgement or ctx.
func (b *Bridge) Deliver(ctx context.Context, event core.Event) error {
	payload, err := b.codec.EncodeEvent(event)
	if err != nil {
		return core.Wrap(core.CodeProcessingError, "encode event", err)
	}
	topic := b.Topic(event.Name)
	token := b.publisher.Publish(topic, b.opts.QoS, b.opts.Retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		b.observe("timeout")
		return core.Wrap(core.CodeTimeout, "mqtt publish timed out", ctx.Err())
	}
	if err := token.Error(); err != nil {
		b.observe("error")
		b.logError("mqtt publish failed", map[string]any{"topic": topic, "error": err})
		return core.Wrap(core.CodeDeliveryFailure, "mqtt publish failed", err)
	}
	b.observe("published")
	if b.opts.Logger != nil {
		b.opts.Logger.Debug("mqtt event published", map[string]any{"topic": topic, "bytes": len(payload)})
	}
	return nil
}

// Start registers the bridge with hub and joins the configured channels.
func (b *Bridge) Start(hub core.SubscriberRegistry) error {
	if hub == nil {
		return errors.New("hub is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.id != "" {
		return errors.New("mqtt bridge already started")
	}
	id, err := hub.Connect(b)
	if err != nil {
		return err
	}
	if len(b.opts.Channels) > 0 {
		if err := hub.Authenticate(id, core.Identity{UserID: bridgeUserID, Role: core.RoleAdmin}); err != nil {
			hub.Disconnect(id)
			return err
		}
		for _, channel := range b.opts.Channels {
			if err := hub.Join(id, channel); err != nil {
				hub.Disconnect(id)
				return err
			}
		}
	}
	b.hub, b.id = hub, id
	return nil
}

// Stop removes the bridge from the hub.
func (b *Bridge) Stop() {
	b.mu.Lock()
	hub, id := b.hub, b.id
	b.hub, b.id = nil, ""
	b.mu.Unlock()
	if hub != nil && id != "" {
		hub.Disconnect(id)
	}
}

func (b *Bridge) observe(result string) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.IncBroadcast("mqtt", result)
	}
}

func (b *Bridge) logError(msg string, fields map[string]any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Error(msg, fields)
	}
}

// ClientConfig configures the paho client.
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Logger         observability.Logger
}

// Connect dials the broker with automatic reconnects enabled.
func Connect(ctx context.Context, cfg ClientConfig) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(timeout)
	opts.OnConnect = func(mqtt.Client) {
		if logger != nil {
			logger.Info("mqtt connection established", map[string]any{"broker": broker, "client_id": cfg.ClientID})
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Error("mqtt connection lost", map[string]any{"broker": broker, "error": err})
		}
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	case <-time.After(timeout):
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}
