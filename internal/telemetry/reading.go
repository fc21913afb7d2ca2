package telemetry

import (
	"math"
	"time"
)

// Quantity names a measured stream.
type Quantity string

const (
	Voltage Quantity = "voltage"
	Current Quantity = "current"
)

// ParseQuantity maps user input onto a Quantity.
func ParseQuantity(s string) (Quantity, bool) {
	switch Quantity(s) {
	case Voltage, Current:
		return Quantity(s), true
	}
	return "", false
}

// Reading is one normalised voltage/current sample.
type Reading struct {
	Voltage float64 `json:"voltage"`
	// Current is nil when the source did not report it.
	Current   *float64  `json:"current"`
	Timestamp time.Time `json:"timestamp"`
	// VoltageEstimated marks a voltage synthesised from a current-only payload.
	VoltageEstimated bool   `json:"voltage_estimated"`
	Source           string `json:"source"`
}

// NewReading builds a reading with a reported current.
func NewReading(voltage, current float64, ts time.Time) Reading {
	c := current
	return Reading{Voltage: voltage, Current: &c, Timestamp: ts}
}

// HasCurrent reports whether the reading carries a usable current value.
func (r Reading) HasCurrent() bool {
	return r.Current != nil && !math.IsNaN(*r.Current) && !math.IsInf(*r.Current, 0)
}

// CurrentOrZero returns the current, or 0 when absent.
func (r Reading) CurrentOrZero() float64 {
	if r.Current == nil {
		return 0
	}
	return *r.Current
}

// Equal compares two readings by value.
func (r Reading) Equal(o Reading) bool {
	if r.Voltage != o.Voltage || r.VoltageEstimated != o.VoltageEstimated || r.Source != o.Source {
		return false
	}
	if !r.Timestamp.Equal(o.Timestamp) {
		return false
	}
	if (r.Current == nil) != (o.Current == nil) {
		return false
	}
	return r.Current == nil || *r.Current == *o.Current
}
