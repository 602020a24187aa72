// Package ingest turns inbound device messages into stored readings. It is
// the only path by which a reading enters the event store.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/firmware"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/logging"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/metrics"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// Appender is the write side of the event store.
type Appender interface {
	Append(ctx context.Context, payload map[string]any) (*model.Reading, error)
}

// Publisher forwards stored readings to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, r *model.Reading) error
}

// Result is what a device gets back for an accepted reading.
type Result struct {
	Reading         *model.Reading
	UpdateAvailable bool
	FirmwareURL     string
}

// Gateway validates, stores and acknowledges readings.
type Gateway struct {
	store     Appender
	firmware  firmware.Source
	publisher Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPublisher forwards every stored reading to p.
func WithPublisher(p Publisher) Option {
	return func(g *Gateway) { g.publisher = p }
}

// WithMetrics records ingestion outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway builds a gateway over store. fw may be nil when no firmware
// distribution is configured.
func NewGateway(store Appender, fw firmware.Source, opts ...Option) *Gateway {
	g := &Gateway{store: store, firmware: fw, log: logging.Component("ingest")}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ingest stores one reading. raw must be a single JSON object; numeric
// temperature and humidity fields, when present, must be numbers.
// Failures are model.ErrValidation or model.ErrStorage, never both.
func (g *Gateway) Ingest(ctx context.Context, raw []byte) (*Result, error) {
	payload, err := Decode(raw)
	if err != nil {
		g.metrics.Ingested(metrics.ResultInvalid)
		return nil, err
	}

	start := time.Now()
	reading, err := g.store.Append(ctx, payload)
	g.metrics.ObserveAppend(time.Since(start))
	if err != nil {
		g.metrics.Ingested(metrics.ResultStorageError)
		if !errors.Is(err, model.ErrStorage) {
			err = fmt.Errorf("%w: %w", model.ErrStorage, err)
		}
		g.log.Error("append failed", "error", err)
		return nil, err
	}
	g.metrics.Ingested(metrics.ResultStored)

	if g.publisher != nil {
		perr := g.publisher.Publish(ctx, reading)
		g.metrics.Published(perr == nil)
		if perr != nil {
			// The reading is durable; downstream fan-out is best effort.
			g.log.Warn("publish failed", "id", reading.ID, "error", perr)
		}
	}

	res := &Result{Reading: reading}
	if g.firmware != nil && g.firmware.Available(ctx) {
		res.UpdateAvailable = true
		res.FirmwareURL = g.firmware.DownloadURL()
	}
	g.log.Debug("reading stored", "id", reading.ID, "update_available", res.UpdateAvailable)
	return res, nil
}

// Decode parses and validates a raw device message into a payload map.
func Decode(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", model.ErrValidation)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", model.ErrValidation, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", model.ErrValidation)
	}

	payload, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload must be a JSON object, got %s", model.ErrValidation, jsonKind(v))
	}
	if !hasData(payload) {
		return nil, fmt.Errorf("%w: payload has no fields", model.ErrValidation)
	}
	model.NormalizeNumbers(payload)

	for _, key := range []string{model.FieldTemperature, model.FieldHumidity} {
		if v, present := payload[key]; present {
			if _, ok := model.AsFloat(v); !ok {
				return nil, fmt.Errorf("%w: %s must be a number, got %s", model.ErrValidation, key, jsonKind(v))
			}
		}
	}
	return payload, nil
}

// hasData reports whether payload carries anything besides the keys the
// store assigns and strips on append.
func hasData(payload map[string]any) bool {
	for k := range payload {
		switch k {
		case model.FieldID, model.FieldTimestamp, "_id":
		default:
			return true
		}
	}
	return false
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		return "number"
	}
}
