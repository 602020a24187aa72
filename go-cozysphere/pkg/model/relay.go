// pkg/model/relay.go
package model

// RelayType names an actuator driven by a relay.
type RelayType string

const (
	RelayFan        RelayType = "fan"
	RelayHeater     RelayType = "heater"
	RelayHumidifier RelayType = "humidifier"
)

// RelayTypes lists the actuators the service knows about.
var RelayTypes = []RelayType{RelayFan, RelayHeater, RelayHumidifier}

// RelayState is the binary state a predictor returns.
type RelayState string

const (
	RelayOn  RelayState = "ON"
	RelayOff RelayState = "OFF"
)

// PredictFeatures is the input vector for relay prediction.
type PredictFeatures struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Hour        int     `json:"hour"`
	DayOfWeek   int     `json:"day_of_week"`
	Month       int     `json:"month"`
	AirQuality  int     `json:"air_quality"`
	IsHome      int     `json:"is_home"`
}
