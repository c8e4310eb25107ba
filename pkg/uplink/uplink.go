// Package uplink periodically publishes the telemetry record over MQTT.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/config"
	"github.com/itohio/lipomon/pkg/telemetry"
)

const (
	appID          = "lipomon"
	connectTimeout = 5 * time.Second
	quiesceMillis  = 250
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt operation timed out")

// Source provides the record to publish.
type Source interface {
	Snapshot() (telemetry.Record, error)
}

// Payload is the published message.
type Payload struct {
	Device string `json:"device"`
	telemetry.Record
}

// Publisher sends the telemetry record to <prefix>/<device>/telemetry.
type Publisher struct {
	client   paho.Client
	device   string
	topic    string
	interval time.Duration
	logger   *zap.Logger

	// Seq restarts with every supervisor generation, so a record is
	// identified by its sequence and publish time together.
	lastSeq       uint64
	lastPublished time.Time
	sent          uint64
}

// DeviceID returns the configured id or one derived from the machine id.
func DeviceID(cfg config.UplinkConfig) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", fmt.Errorf("deriving device id: %w", err)
	}
	// The protected id is a 64 character hex digest.
	if len(id) > 12 {
		id = id[:12]
	}
	return id, nil
}

// New creates a publisher for cfg.Broker. Call Connect before Run.
func New(cfg config.UplinkConfig, logger *zap.Logger) (*Publisher, error) {
	device, err := DeviceID(cfg)
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(appID + "-" + device).
		SetAutoReconnect(true).
		SetCleanSession(true)

	return newPublisher(paho.NewClient(opts), device, cfg, logger), nil
}

func newPublisher(client paho.Client, device string, cfg config.UplinkConfig, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{
		client:   client,
		device:   device,
		topic:    fmt.Sprintf("%s/%s/telemetry", cfg.TopicPrefix, device),
		interval: interval,
		logger:   logger.Named("uplink"),
	}
}

// Topic returns the publish topic.
func (p *Publisher) Topic() string { return p.topic }

// Connect connects to the broker.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connecting: %w", ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	p.logger.Info("connected", zap.String("topic", p.topic))
	return nil
}

// Run publishes every interval until ctx is done. Records that did not
// change since the last publish are skipped.
func (p *Publisher) Run(ctx context.Context, src Source) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publish(src); err != nil {
				p.logger.Warn("publish failed", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publish(src Source) error {
	rec, err := src.Snapshot()
	if err != nil {
		// Between restarts there is no store.
		return nil
	}
	if p.sent > 0 && rec.Seq == p.lastSeq && rec.Published.Equal(p.lastPublished) {
		return nil
	}

	payload, err := json.Marshal(Payload{Device: p.device, Record: rec})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	if !token.WaitTimeout(p.interval) {
		return fmt.Errorf("publishing: %w", ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing: %w", err)
	}

	p.lastSeq, p.lastPublished = rec.Seq, rec.Published
	p.sent++
	return nil
}

// Sent returns the number of messages published.
func (p *Publisher) Sent() uint64 { return p.sent }

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(quiesceMillis)
	}
}
