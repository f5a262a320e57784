package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/bringauto/external-server/pkg/event"
	"github.com/bringauto/external-server/pkg/fleet"
)

// Adapter errors.
var (
	ErrConnectTimeout = errors.New("mqtt connect timed out")
	ErrPublishTimeout = errors.New("mqtt publish timed out")
	ErrNotConnected   = errors.New("mqtt client not connected")
)

// Protocol constants fixed by the Fleet Protocol.
const (
	// qos is at-least-once delivery.
	qos = 1

	// keepalive is half of the protocol's default 30 second timeout.
	keepalive = 15 * time.Second

	// maxQueuedMessages bounds the client's outgoing queue; the server
	// handles roughly 20 devices per car.
	maxQueuedMessages = 20
)

// Config configures an Adapter for one car.
type Config struct {
	Company string
	Car     string

	// Address and Port locate the broker.
	Address string
	Port    int

	// Timeout bounds connect and publish acknowledgement waits.
	Timeout time.Duration

	// TLS, when non-nil, switches the connection to mutual TLS.
	TLS *tls.Config

	Logger *slog.Logger
}

// Adapter wraps one Paho MQTT client bound to one car's topic pair.
// It produces events for the session's queue and never consumes from
// it.
type Adapter struct {
	cfg       Config
	queue     *event.Queue
	client    paho.Client
	logger    *slog.Logger
	subscribe string
	publish   string

	// stopping suppresses the TransportDown event for the disconnect
	// the session itself requested.
	stopping atomic.Bool
}

// NewAdapter creates an adapter feeding the given event queue.
func NewAdapter(cfg Config, queue *event.Queue) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		queue:     queue,
		logger:    logger.With("company", cfg.Company, "car", cfg.Car),
		subscribe: SubscribeTopic(cfg.Company, cfg.Car),
		publish:   PublishTopic(cfg.Company, cfg.Car),
	}
}

// BrokerURL returns the broker endpoint the adapter dials.
func (a *Adapter) BrokerURL() string {
	scheme := "tcp"
	if a.cfg.TLS != nil {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, a.cfg.Address, a.cfg.Port)
}

// Connect dials the broker and subscribes to the car's inbound topic.
func (a *Adapter) Connect() error {
	a.stopping.Store(false)

	opts := paho.NewClientOptions()
	opts.AddBroker(a.BrokerURL())
	opts.SetClientID("external-server-" + uuid.NewString())
	opts.SetKeepAlive(keepalive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(true)
	opts.SetMessageChannelDepth(maxQueuedMessages)
	if a.cfg.TLS != nil {
		opts.SetTLSConfig(a.cfg.TLS)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		if a.stopping.Load() {
			return
		}
		a.logger.Warn("mqtt connection lost", "error", err)
		if qerr := a.queue.Enqueue(event.Event{
			Kind:         event.KindTransportDown,
			TransportErr: err,
		}); qerr != nil {
			a.logger.Error("failed to enqueue transport loss", "error", qerr)
		}
	}

	a.client = paho.NewClient(opts)

	token := a.client.Connect()
	if !token.WaitTimeout(a.cfg.Timeout) {
		return ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}

	sub := a.client.Subscribe(a.subscribe, qos, a.onMessage)
	if !sub.WaitTimeout(a.cfg.Timeout) {
		a.client.Disconnect(0)
		return fmt.Errorf("mqtt subscribe to %s timed out", a.subscribe)
	}
	if err := sub.Error(); err != nil {
		a.client.Disconnect(0)
		return fmt.Errorf("mqtt subscribe to %s failed: %w", a.subscribe, err)
	}

	a.logger.Info("connected to mqtt broker",
		"broker", a.BrokerURL(), "topic", a.subscribe)
	return nil
}

// Publish encodes the frame and publishes it on the car's outbound
// topic, returning once the broker acknowledges.
func (a *Adapter) Publish(msg *fleet.ExternalServer) error {
	if a.client == nil || !a.client.IsConnected() {
		return ErrNotConnected
	}
	data, err := fleet.EncodeServer(msg)
	if err != nil {
		return err
	}
	token := a.client.Publish(a.publish, qos, false, data)
	if !token.WaitTimeout(a.cfg.Timeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish failed: %w", err)
	}
	return nil
}

// Disconnect tears the connection down without raising TransportDown.
// Safe to call when not connected.
func (a *Adapter) Disconnect() {
	a.stopping.Store(true)
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
}

// onMessage decodes one inbound frame and hands it to the session as
// an event. Malformed payloads are logged and dropped; a misbehaving
// gateway must not kill the session.
func (a *Adapter) onMessage(_ paho.Client, msg paho.Message) {
	decoded, err := fleet.DecodeClient(msg.Payload())
	if err != nil {
		a.logger.Warn("dropping undecodable frame", "error", err, "size", len(msg.Payload()))
		return
	}

	var ev event.Event
	switch {
	case decoded.Connect != nil:
		ev = event.Event{Kind: event.KindConnect, Connect: decoded.Connect}
	case decoded.Status != nil:
		ev = event.Event{Kind: event.KindStatus, Status: decoded.Status}
	case decoded.CommandResponse != nil:
		ev = event.Event{Kind: event.KindCommandResponse, CommandResponse: decoded.CommandResponse}
	}

	if err := a.queue.Enqueue(ev); err != nil {
		a.logger.Error("failed to enqueue inbound frame", "error", err)
	}
}
