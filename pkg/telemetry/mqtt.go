// Package telemetry publishes robot status to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/clock"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Config holds broker settings.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	// Interval between periodic status messages.
	Interval time.Duration
}

// Client is the subset of mqtt.Client used by the publisher.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Snapshot returns the status to publish.
type Snapshot func() any

// Publisher sends retained status messages to a topic.
type Publisher struct {
	cfg      Config
	client   Client
	snapshot Snapshot
	clock    clock.Clock
	logger   zerolog.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// offlinePayload is the broker-side will, published if the process dies.
var offlinePayload = []byte(`{"mode":"offline"}`)

// New creates a publisher backed by a paho client.
func New(cfg Config, snapshot Snapshot, logger zerolog.Logger) *Publisher {
	logger = logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(cfg.Topic, string(offlinePayload), 1, true)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info().Str("client_id", cfg.ClientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}
	return NewWithClient(cfg, mqtt.NewClient(opts), snapshot, nil, logger)
}

// NewWithClient creates a publisher on an existing client. A nil clock
// uses the real clock.
func NewWithClient(cfg Config, client Client, snapshot Snapshot, clk clock.Clock, logger zerolog.Logger) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Publisher{cfg: cfg, client: client, snapshot: snapshot, clock: clk, logger: logger}
}

// Connect starts the broker connection. With connect-retry enabled the
// token completes once the first attempt is queued, and paho keeps
// retrying in the background.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Publish sends v as JSON to the status topic.
func (p *Publisher) Publish(v any) error {
	if !p.client.IsConnected() {
		p.countError()
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		p.countError()
		return fmt.Errorf("marshal status: %w", err)
	}

	token := p.client.Publish(p.cfg.Topic, 0, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}

// Run publishes a snapshot every interval until ctx is done, then
// disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	t := p.clock.NewTicker(p.cfg.Interval)
	defer t.Stop()
	defer p.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := p.Publish(p.snapshot()); err != nil {
				p.logger.Debug().Err(err).Msg("status not published")
			}
		}
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info().Msg("mqtt disconnected")
	}
}

// Stats returns message counters.
func (p *Publisher) Stats() (published, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.errors
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
