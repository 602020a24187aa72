// Package aggregate computes time-bucketed averages over the event store.
// Results are derived on every call and never written back.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// Querier is the slice of the event store the engine reads from.
type Querier interface {
	Query(ctx context.Context, start, end time.Time) ([]*model.Reading, error)
}

// Granularity selects the bucket size.
type Granularity int

const (
	Hourly Granularity = iota
	Daily
)

func (g Granularity) String() string {
	switch g {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// Windows are the look-back lengths for each granularity.
type Windows struct {
	Hourly time.Duration
	Daily  time.Duration
}

// DefaultWindows are 24 hours of hourly buckets and 30 days of daily ones.
var DefaultWindows = Windows{Hourly: 24 * time.Hour, Daily: 30 * 24 * time.Hour}

// Engine answers hourly and daily average queries.
type Engine struct {
	store   Querier
	windows Windows
	group   singleflight.Group
}

// NewEngine returns an engine over store. Zero windows fall back to the defaults.
func NewEngine(store Querier, windows Windows) *Engine {
	if windows.Hourly <= 0 {
		windows.Hourly = DefaultWindows.Hourly
	}
	if windows.Daily <= 0 {
		windows.Daily = DefaultWindows.Daily
	}
	return &Engine{store: store, windows: windows}
}

// Windows returns the configured look-back lengths.
func (e *Engine) Windows() Windows { return e.windows }

// HourlyAverage buckets readings from [now-Hourly, now] by UTC hour.
func (e *Engine) HourlyAverage(ctx context.Context, now time.Time) ([]model.AggregateBucket, error) {
	return e.Average(ctx, Hourly, now)
}

// DailyAverage buckets readings from [now-Daily, now] by UTC day.
func (e *Engine) DailyAverage(ctx context.Context, now time.Time) ([]model.AggregateBucket, error) {
	return e.Average(ctx, Daily, now)
}

// Average runs the shared pipeline. now is rounded up to the next whole
// second so concurrent calls within the same second share one store query.
// The shared query is detached from any single caller's context; a caller
// that gives up gets ctx.Err() while the others still receive the result.
func (e *Engine) Average(ctx context.Context, g Granularity, now time.Time) ([]model.AggregateBucket, error) {
	var window time.Duration
	switch g {
	case Hourly:
		window = e.windows.Hourly
	case Daily:
		window = e.windows.Daily
	default:
		return nil, fmt.Errorf("%w: unknown granularity %v", model.ErrValidation, g)
	}
	now = ceilSecond(now.UTC())
	start := now.Add(-window)

	key := fmt.Sprintf("%d/%d", g, now.Unix())
	shared := context.WithoutCancel(ctx)
	ch := e.group.DoChan(key, func() (any, error) {
		readings, err := e.store.Query(shared, start, now)
		if err != nil {
			return nil, err
		}
		return Buckets(readings, start, now, g), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneBuckets(res.Val.([]model.AggregateBucket)), nil
	}
}

func ceilSecond(t time.Time) time.Time {
	q := t.Truncate(time.Second)
	if q.Before(t) {
		q = q.Add(time.Second)
	}
	return q
}

// groupKey is the comparable form of model.BucketKey; hour is -1 for
// daily buckets.
type groupKey struct {
	year, month, day, hour int
}

func keyFor(ts time.Time, g Granularity) groupKey {
	k := groupKey{year: ts.Year(), month: int(ts.Month()), day: ts.Day(), hour: -1}
	if g == Hourly {
		k.hour = ts.Hour()
	}
	return k
}

func (k groupKey) bucketKey() model.BucketKey {
	b := model.BucketKey{Year: k.year, Month: k.month, Day: k.day}
	if k.hour >= 0 {
		h := k.hour
		b.Hour = &h
	}
	return b
}

type accumulator struct {
	key               groupKey
	count             int
	tempSum, humSum   float64
	tempSeen, humSeen int
}

// Buckets groups the readings inside [start, end] and averages each field
// over the readings that carry it. Output is sorted ascending by key.
// Readings are summed in (Timestamp, ID) order whatever order the store
// returned them in, so floating-point results are stable across calls.
func Buckets(readings []*model.Reading, start, end time.Time, g Granularity) []model.AggregateBucket {
	ordered := make([]*model.Reading, 0, len(readings))
	for _, r := range readings {
		if r != nil {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	groups := make(map[groupKey]*accumulator)
	for _, r := range ordered {
		ts := r.Timestamp.UTC()
		if ts.Before(start) || ts.After(end) {
			continue
		}
		k := keyFor(ts, g)
		acc, ok := groups[k]
		if !ok {
			acc = &accumulator{key: k}
			groups[k] = acc
		}
		acc.count++
		if v, ok := r.Temperature(); ok {
			acc.tempSum += v
			acc.tempSeen++
		}
		if v, ok := r.Humidity(); ok {
			acc.humSum += v
			acc.humSeen++
		}
	}

	out := make([]model.AggregateBucket, 0, len(groups))
	for _, acc := range groups {
		b := model.AggregateBucket{Key: acc.key.bucketKey(), Count: acc.count}
		if acc.tempSeen > 0 {
			avg := acc.tempSum / float64(acc.tempSeen)
			b.AvgTemperature = &avg
		}
		if acc.humSeen > 0 {
			avg := acc.humSum / float64(acc.humSeen)
			b.AvgHumidity = &avg
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

func cloneBuckets(in []model.AggregateBucket) []model.AggregateBucket {
	out := make([]model.AggregateBucket, len(in))
	for i, b := range in {
		out[i] = b
		if b.Key.Hour != nil {
			h := *b.Key.Hour
			out[i].Key.Hour = &h
		}
		if b.AvgTemperature != nil {
			v := *b.AvgTemperature
			out[i].AvgTemperature = &v
		}
		if b.AvgHumidity != nil {
			v := *b.AvgHumidity
			out[i].AvgHumidity = &v
		}
	}
	return out
}
