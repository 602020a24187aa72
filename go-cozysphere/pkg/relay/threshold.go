package relay

import (
	"context"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// SettingsSource supplies the live threshold settings.
type SettingsSource interface {
	Settings() model.ThresholdSettings
}

// ThresholdPredictor decides from the active thresholds alone:
//
//	fan        ON when temperature > temp_threshold_high
//	heater     ON when temperature < temp_threshold_high - HeaterBand
//	humidifier ON when humidity < hum_threshold_low
type ThresholdPredictor struct {
	Relay      model.RelayType
	Settings   SettingsSource
	HeaterBand float64
}

func (p *ThresholdPredictor) Predict(ctx context.Context, f model.PredictFeatures) (model.RelayState, error) {
	s := p.Settings.Settings()
	var on bool
	switch p.Relay {
	case model.RelayFan:
		on = f.Temperature > s.TempThresholdHigh
	case model.RelayHeater:
		on = f.Temperature < s.TempThresholdHigh-p.HeaterBand
	case model.RelayHumidifier:
		on = f.Humidity < s.HumThresholdLow
	}
	if on {
		return model.RelayOn, nil
	}
	return model.RelayOff, nil
}

// ThresholdSet builds threshold predictors for every known relay type.
func ThresholdSet(settings SettingsSource, heaterBand float64) *Set {
	predictors := make(map[model.RelayType]Predictor, len(model.RelayTypes))
	for _, t := range model.RelayTypes {
		predictors[t] = &ThresholdPredictor{Relay: t, Settings: settings, HeaterBand: heaterBand}
	}
	return NewSet(predictors)
}
