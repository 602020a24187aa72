// Package mqttbridge lets devices that speak MQTT instead of HTTP submit
// readings. Messages go through the same ingestion gateway as POST
// /api/post_data.
package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/ingest"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/logging"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/metrics"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// Ingester accepts raw reading payloads.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (*ingest.Result, error)
}

// Config describes the broker subscription.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
	QoS      byte
}

// Bridge subscribes to a topic and ingests every message it receives.
type Bridge struct {
	cfg      Config
	client   mqtt.Client
	ingester Ingester
	metrics  *metrics.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New prepares a bridge. Nothing connects until Start.
func New(cfg Config, ing Ingester, m *metrics.Metrics) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		ingester: ing,
		metrics:  m,
		log:      logging.Component("mqtt"),
		ctx:      ctx,
		cancel:   cancel,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(b.subscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn("broker connection lost", "error", err)
		})
	b.client = mqtt.NewClient(opts)
	return b
}

// Start connects to the broker. The subscription is (re)established by the
// on-connect handler, so it survives reconnects.
func (b *Bridge) Start(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", b.cfg.Broker, err)
	}
	return nil
}

// Stop disconnects and cancels in-flight ingestion.
func (b *Bridge) Stop() {
	b.cancel()
	// Also aborts a connect that is still retrying.
	b.client.Disconnect(250)
	b.log.Info("mqtt bridge stopped")
}

func (b *Bridge) subscribe(c mqtt.Client) {
	token := c.Subscribe(b.cfg.Topic, b.cfg.QoS, b.handle)
	if token.Wait() && token.Error() != nil {
		b.log.Error("subscribe failed", "topic", b.cfg.Topic, "error", token.Error())
		return
	}
	b.log.Info("subscribed", "broker", b.cfg.Broker, "topic", b.cfg.Topic, "qos", b.cfg.QoS)
}

// handle ingests one message. Bad payloads are dropped with a log line;
// there is no reply channel to report them on.
func (b *Bridge) handle(_ mqtt.Client, msg mqtt.Message) {
	res, err := b.ingester.Ingest(b.ctx, msg.Payload())
	switch {
	case err == nil:
		b.metrics.BridgeMessage(metrics.ResultStored)
		b.log.Debug("reading ingested", "topic", msg.Topic(), "id", res.Reading.ID)
	case errors.Is(err, model.ErrValidation):
		b.metrics.BridgeMessage(metrics.ResultInvalid)
		b.log.Warn("dropping invalid message", "topic", msg.Topic(), "error", err)
	default:
		b.metrics.BridgeMessage(metrics.ResultStorageError)
		b.log.Error("ingest failed", "topic", msg.Topic(), "error", err)
	}
}
