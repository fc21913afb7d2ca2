package health

import (
	"math"

	"gridwatch/internal/debounce"
)

// Status is the service state derived from a voltage reading.
type Status string

const (
	Normal          Status = "NORMAL"
	ServiceSoon     Status = "SERVICE_SOON"
	ServiceRequired Status = "SERVICE_REQUIRED"
)

// Voltage bounds in volts.
const (
	HardMin  = 200.0
	HardMax  = 260.0
	SoonFrom = 235.0
)

// Classify maps a voltage to a Status.
//
// Undervoltage between HardMin and the nominal -3% band stays Normal; only the upper
// band warns early.
func Classify(voltage float64) Status {
	if math.IsNaN(voltage) || math.IsInf(voltage, 0) {
		return Normal
	}
	if voltage < HardMin || voltage > HardMax {
		return ServiceRequired
	}
	if voltage >= SoonFrom {
		return ServiceSoon
	}
	return Normal
}

// Label is the human readable chip text.
func (s Status) Label() string {
	switch s {
	case ServiceSoon:
		return "SERVICE SOON"
	case ServiceRequired:
		return "SERVICE REQUIRED"
	default:
		return "NORMAL"
	}
}

// Tier maps the status onto the debounce tier it schedules.
func (s Status) Tier() debounce.Tier {
	switch s {
	case ServiceRequired:
		return debounce.TierWarning
	case ServiceSoon:
		return debounce.TierModerate
	default:
		return debounce.TierNone
	}
}
