// pkg/model/reading.go
package model

import (
	"encoding/json"
	"math"
	"time"
)

// Payload keys the aggregation pipeline understands. Everything else in a
// reading's payload is opaque to the service.
const (
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
	FieldTimestamp   = "timestamp"
	FieldID          = "id"
)

// Reading is one durable, timestamped sensor payload.
// Readings are immutable once the store has assigned ID and Timestamp.
type Reading struct {
	ID        string         // Store-assigned opaque identifier
	Timestamp time.Time      // Server-assigned UTC time, not the sensor clock
	Payload   map[string]any // Sensor key/value pairs as sent by the device
}

// Temperature returns the numeric temperature field, if present.
func (r *Reading) Temperature() (float64, bool) {
	return r.Number(FieldTemperature)
}

// Humidity returns the numeric humidity field, if present.
func (r *Reading) Humidity() (float64, bool) {
	return r.Number(FieldHumidity)
}

// Number looks up a payload field and reports it as float64 when it holds
// a finite number. Drivers hand back different numeric types (JSON gives
// float64, BSON int32/int64), so all of them are accepted.
func (r *Reading) Number(key string) (float64, bool) {
	if r == nil || r.Payload == nil {
		return 0, false
	}
	v, ok := AsFloat(r.Payload[key])
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// AsFloat converts the numeric types found in decoded payloads to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// MarshalJSON flattens the payload next to id and timestamp, which is the
// shape devices and the mobile client have always seen.
func (r Reading) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		out[k] = v
	}
	out[FieldID] = r.ID
	out[FieldTimestamp] = r.Timestamp.UTC()
	return json.Marshal(out)
}

// Clone returns a copy whose payload map can be modified independently.
func (r *Reading) Clone() *Reading {
	if r == nil {
		return nil
	}
	payload := make(map[string]any, len(r.Payload))
	for k, v := range r.Payload {
		payload[k] = v
	}
	return &Reading{ID: r.ID, Timestamp: r.Timestamp, Payload: payload}
}

// NormalizeNumbers rewrites json.Number values, at any depth, to int64 when
// they are integral and to float64 otherwise. Stores keep payloads in these
// two types so every backend encodes them the same way.
func NormalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = NormalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = NormalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
