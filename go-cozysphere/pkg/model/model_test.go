package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadingNumber(t *testing.T) {
	r := &Reading{Payload: map[string]any{
		"temperature": json.Number("21.5"),
		"humidity":    int32(40),
		"pressure":    math.Inf(1),
		"label":       "kitchen",
	}}

	temp, ok := r.Temperature()
	assert.True(t, ok)
	assert.Equal(t, 21.5, temp)

	hum, ok := r.Humidity()
	assert.True(t, ok)
	assert.Equal(t, 40.0, hum)

	_, ok = r.Number("pressure")
	assert.False(t, ok, "infinite values are not numbers")
	_, ok = r.Number("label")
	assert.False(t, ok)
	_, ok = r.Number("missing")
	assert.False(t, ok)

	var nilReading *Reading
	_, ok = nilReading.Temperature()
	assert.False(t, ok)
}

func TestReadingMarshalJSONIsFlat(t *testing.T) {
	r := Reading{
		ID:        "abc",
		Timestamp: time.Date(2024, 12, 7, 10, 30, 0, 0, time.FixedZone("ALMT", 5*3600)),
		Payload:   map[string]any{"temperature": 22.0, "device": "esp32"},
	}
	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, map[string]any{
		"id":          "abc",
		"timestamp":   "2024-12-07T05:30:00Z",
		"temperature": 22.0,
		"device":      "esp32",
	}, got)
}

func TestCloneIsIndependent(t *testing.T) {
	r := &Reading{ID: "a", Payload: map[string]any{"temperature": 20.0}}
	c := r.Clone()
	c.Payload["temperature"] = 99.0
	assert.Equal(t, 20.0, r.Payload["temperature"])
}

func TestNormalizeNumbers(t *testing.T) {
	in := map[string]any{
		"int":   json.Number("42"),
		"float": json.Number("4.5"),
		"deep":  map[string]any{"list": []any{json.Number("1"), json.Number("1e3"), "x"}},
	}
	NormalizeNumbers(in)
	assert.Equal(t, int64(42), in["int"])
	assert.Equal(t, 4.5, in["float"])
	assert.Equal(t, []any{int64(1), 1000.0, "x"}, in["deep"].(map[string]any)["list"])
}

func TestBucketKeyLess(t *testing.T) {
	h := func(v int) *int { return &v }
	day := BucketKey{Year: 2024, Month: 12, Day: 7}
	assert.True(t, day.Less(BucketKey{Year: 2024, Month: 12, Day: 8}))
	assert.True(t, day.Less(BucketKey{Year: 2024, Month: 12, Day: 7, Hour: h(0)}))
	assert.True(t, BucketKey{Year: 2024, Month: 12, Day: 7, Hour: h(3)}.Less(BucketKey{Year: 2024, Month: 12, Day: 7, Hour: h(4)}))
	assert.False(t, BucketKey{Year: 2025, Month: 1, Day: 1}.Less(day))
}

func TestAggregateBucketJSON(t *testing.T) {
	hour := 9
	avg := 21.25
	raw, err := json.Marshal(AggregateBucket{
		Key:            BucketKey{Year: 2024, Month: 12, Day: 7, Hour: &hour},
		AvgTemperature: &avg,
		Count:          4,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":{"year":2024,"month":12,"day":7,"hour":9},"avg_temperature":21.25,"avg_humidity":null,"count":4}`, string(raw))
}

func TestDefaultModes(t *testing.T) {
	modes := DefaultModes()
	require.Len(t, modes, 5)
	byName := map[string]ThresholdSettings{}
	for _, m := range modes {
		byName[m.Name] = m.Thresholds()
	}
	assert.Equal(t, ThresholdSettings{TempThresholdHigh: 25, HumThresholdLow: 40}, byName[DefaultModeName])
	assert.Equal(t, ThresholdSettings{TempThresholdHigh: 20, HumThresholdLow: 55}, byName["Sleep Mode"])
	assert.Equal(t, 30.0, DefaultSettings.TempThresholdHigh)
	assert.Equal(t, 50.0, DefaultSettings.HumThresholdLow)
}
