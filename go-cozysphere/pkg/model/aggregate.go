// pkg/model/aggregate.go
package model

// BucketKey identifies a UTC time bucket. Hour is nil for daily buckets.
type BucketKey struct {
	Year  int  `json:"year"`
	Month int  `json:"month"`
	Day   int  `json:"day"`
	Hour  *int `json:"hour,omitempty"`
}

// Less orders keys by year, month, day, then hour.
func (k BucketKey) Less(o BucketKey) bool {
	if k.Year != o.Year {
		return k.Year < o.Year
	}
	if k.Month != o.Month {
		return k.Month < o.Month
	}
	if k.Day != o.Day {
		return k.Day < o.Day
	}
	return k.hour() < o.hour()
}

func (k BucketKey) hour() int {
	if k.Hour == nil {
		return -1
	}
	return *k.Hour
}

// AggregateBucket is a derived summary of the readings falling into one bucket.
// A nil average means no reading in the bucket carried that field.
type AggregateBucket struct {
	Key            BucketKey `json:"_id"`
	AvgTemperature *float64  `json:"avg_temperature"`
	AvgHumidity    *float64  `json:"avg_humidity"`
	Count          int       `json:"count"`
}
