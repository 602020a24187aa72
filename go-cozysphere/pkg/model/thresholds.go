// pkg/model/thresholds.go
package model

// ThresholdSettings is the global threshold pair consulted by actuator decisions.
type ThresholdSettings struct {
	TempThresholdHigh float64 `json:"temp_threshold_high" yaml:"temp_threshold_high"`
	HumThresholdLow   float64 `json:"hum_threshold_low" yaml:"hum_threshold_low"`
}

// DefaultSettings are the thresholds in force before any edit or activation.
var DefaultSettings = ThresholdSettings{TempThresholdHigh: 30.0, HumThresholdLow: 50.0}

// Mode is a named threshold preset.
type Mode struct {
	Name              string  `json:"-" yaml:"name"`
	TempThresholdHigh float64 `json:"temp_threshold_high" yaml:"temp_threshold_high"`
	HumThresholdLow   float64 `json:"hum_threshold_low" yaml:"hum_threshold_low"`
}

// Thresholds returns the settings a mode applies when it is activated.
func (m Mode) Thresholds() ThresholdSettings {
	return ThresholdSettings{TempThresholdHigh: m.TempThresholdHigh, HumThresholdLow: m.HumThresholdLow}
}

// DefaultModeName is the mode active at process start.
const DefaultModeName = "Work Mode"

// DefaultModes returns a fresh copy of the built-in presets.
func DefaultModes() []Mode {
	return []Mode{
		{Name: "Work Mode", TempThresholdHigh: 25.0, HumThresholdLow: 40.0},
		{Name: "Entertainment Mode", TempThresholdHigh: 27.0, HumThresholdLow: 45.0},
		{Name: "Relax Mode", TempThresholdHigh: 23.0, HumThresholdLow: 50.0},
		{Name: "Sleep Mode", TempThresholdHigh: 20.0, HumThresholdLow: 55.0},
		{Name: "Reading Mode", TempThresholdHigh: 24.0, HumThresholdLow: 50.0},
	}
}
