package dlspeed

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

type Sample struct {
	Timestamp   time.Time
	BytesLoaded int64
}

type TransferResult struct {
	Target  string
	Samples []Sample
}

// StatValue is a float64 which encodes non-finite values as JSON null.
type StatValue float64

func (v StatValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}

	return json.Marshal(f)
}

func (v *StatValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = StatValue(math.NaN())
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = StatValue(f)

	return nil
}

type Stats struct {
	Avg StatValue `json:"avg"`
	Med StatValue `json:"med"`
	Min StatValue `json:"min"`
	Max StatValue `json:"max"`
	N90 StatValue `json:"n90"`
	N10 StatValue `json:"n10"`
	Dev StatValue `json:"dev"`
}

// Report is the payload handed to the results sink. Speeds are in bytes per second, pings in seconds.
type Report struct {
	Speeds     []float64 `json:"speeds"`
	Pings      []float64 `json:"pings"`
	PingStats  Stats     `json:"pingStats"`
	SpeedStats Stats     `json:"speedStats"`
}
