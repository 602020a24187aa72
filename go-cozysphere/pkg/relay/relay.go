// Package relay predicts actuator relay states. Predictors are resolved per
// relay type when the Set is built; nothing is looked up from globals.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// ErrUnavailable reports that a remote predictor could not answer.
var ErrUnavailable = errors.New("relay predictor unavailable")

// Predictor returns the ON/OFF state for one actuator.
type Predictor interface {
	Predict(ctx context.Context, f model.PredictFeatures) (model.RelayState, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, f model.PredictFeatures) (model.RelayState, error)

func (fn PredictorFunc) Predict(ctx context.Context, f model.PredictFeatures) (model.RelayState, error) {
	return fn(ctx, f)
}

// Set maps relay types to their predictors.
type Set struct {
	predictors map[model.RelayType]Predictor
}

// NewSet copies predictors into a Set. Nil predictors are skipped.
func NewSet(predictors map[model.RelayType]Predictor) *Set {
	s := &Set{predictors: make(map[model.RelayType]Predictor, len(predictors))}
	for t, p := range predictors {
		if p != nil {
			s.predictors[t] = p
		}
	}
	return s
}

// Types lists the relay types with a predictor, sorted.
func (s *Set) Types() []model.RelayType {
	out := make([]model.RelayType, 0, len(s.predictors))
	for t := range s.predictors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether relay has a predictor.
func (s *Set) Has(relay string) bool {
	_, ok := s.predictors[model.RelayType(relay)]
	return ok
}

// Predict runs the predictor for relay. An unknown relay type is a
// validation error, as the device firmware treats it as a bad request.
func (s *Set) Predict(ctx context.Context, relay string, f model.PredictFeatures) (model.RelayState, error) {
	p, ok := s.predictors[model.RelayType(relay)]
	if !ok {
		return "", fmt.Errorf("%w: invalid relay type %q", model.ErrValidation, relay)
	}
	return p.Predict(ctx, f)
}

// ParseFeatures reads the feature vector from query parameters. Every
// feature is required.
func ParseFeatures(q url.Values) (model.PredictFeatures, error) {
	var f model.PredictFeatures
	var missing []string

	floatParam := func(name string, dst *float64) error {
		v := q.Get(name)
		if v == "" {
			missing = append(missing, name)
			return nil
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %q is not a number", model.ErrValidation, name, v)
		}
		*dst = parsed
		return nil
	}
	intParam := func(name string, dst *int) error {
		v := q.Get(name)
		if v == "" {
			missing = append(missing, name)
			return nil
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %q is not an integer", model.ErrValidation, name, v)
		}
		*dst = parsed
		return nil
	}

	if err := errors.Join(
		floatParam("temperature", &f.Temperature),
		floatParam("humidity", &f.Humidity),
		intParam("hour", &f.Hour),
		intParam("day_of_week", &f.DayOfWeek),
		intParam("month", &f.Month),
		intParam("air_quality", &f.AirQuality),
		intParam("is_home", &f.IsHome),
	); err != nil {
		return model.PredictFeatures{}, err
	}
	if len(missing) > 0 {
		return model.PredictFeatures{}, fmt.Errorf("%w: missing required parameters %v", model.ErrValidation, missing)
	}
	return f, nil
}
