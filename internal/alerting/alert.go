package alerting

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"gridwatch/internal/debounce"
	"gridwatch/internal/devices"
)

// Severity 告警级别。
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Type 告警来源类别，空值序列化为 null。
type Type string

const (
	TypeNone         Type = ""
	TypeVoltage      Type = "voltage"
	TypeCurrentSpike Type = "current_spike"
)

// MarshalJSON encodes TypeNone as null.
func (t Type) MarshalJSON() ([]byte, error) {
	if t == TypeNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(t))
}

// UnmarshalJSON accepts null as TypeNone.
func (t *Type) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = TypeNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = Type(s)
	return nil
}

// Alert titles.
const (
	TitleCurrentSpike    = "Unauthorized electric fence detected"
	TitleVoltageWarning  = "Voltage warning threshold exceeded"
	TitleVoltageModerate = "Moderate voltage deviation"
	TitleSystemStarted   = "System initialized. Monitoring started."
)

// SystemDevice attributes operational alerts that do not come from a sensor.
var SystemDevice = devices.Device{ID: "System", Name: "System", Location: "Control Room"}

// Alert 是发往订阅方的告警记录。
type Alert struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	DeviceID    string               `json:"deviceId"`
	Location    string               `json:"location"`
	Coordinates *devices.Coordinates `json:"coordinates"`
	Severity    Severity             `json:"severity"`
	Type        Type                 `json:"type"`
	Timestamp   time.Time            `json:"timestamp"`
}

// New builds an alert attributed to dev with a fresh id.
func New(title string, severity Severity, typ Type, dev devices.Device, at time.Time) Alert {
	var coords *devices.Coordinates
	if dev.Coordinates != nil {
		c := *dev.Coordinates
		coords = &c
	}
	return Alert{
		ID:          uuid.NewString(),
		Title:       title,
		DeviceID:    dev.ID,
		Location:    dev.Location,
		Coordinates: coords,
		Severity:    severity,
		Type:        typ,
		Timestamp:   at.UTC(),
	}
}

// CurrentSpike builds the alert raised on a spike onset.
func CurrentSpike(dev devices.Device, at time.Time) Alert {
	return New(TitleCurrentSpike, SeverityDanger, TypeCurrentSpike, dev, at)
}

// VoltageTier builds the alert for a voltage tier that outlasted the debounce delay.
func VoltageTier(tier debounce.Tier, dev devices.Device, at time.Time) (Alert, bool) {
	switch tier {
	case debounce.TierWarning:
		return New(TitleVoltageWarning, SeverityDanger, TypeVoltage, dev, at), true
	case debounce.TierModerate:
		return New(TitleVoltageModerate, SeverityWarning, TypeVoltage, dev, at), true
	}
	return Alert{}, false
}

// SystemStarted builds the info alert emitted when monitoring begins.
func SystemStarted(at time.Time) Alert {
	return New(TitleSystemStarted, SeverityInfo, TypeNone, SystemDevice, at)
}

// Report 汇总告警数量。
type Report struct {
	Total    int `json:"total"`
	Warnings int `json:"warnings"`
	Critical int `json:"critical"`
}

// Summarize counts alerts by severity. Danger alerts count as critical.
func Summarize(alerts []Alert) Report {
	r := Report{Total: len(alerts)}
	for _, a := range alerts {
		switch a.Severity {
		case SeverityWarning:
			r.Warnings++
		case SeverityDanger:
			r.Critical++
		}
	}
	return r
}
