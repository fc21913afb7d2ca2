package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"gridwatch/internal/alerting"
	"gridwatch/internal/devices"
	"gridwatch/internal/telemetry"
)

// ReadingRecord is a persisted telemetry sample.
type ReadingRecord struct {
	ID               int64
	Timestamp        time.Time
	Voltage          decimal.Decimal
	Current          *decimal.Decimal
	VoltageEstimated bool
	Source           string
	CreatedAt        time.Time
}

// NewReadingRecord converts a reading into its storage form.
func NewReadingRecord(r telemetry.Reading) ReadingRecord {
	rec := ReadingRecord{
		Timestamp:        r.Timestamp.UTC(),
		Voltage:          decimal.NewFromFloat(r.Voltage),
		VoltageEstimated: r.VoltageEstimated,
		Source:           r.Source,
	}
	if r.HasCurrent() {
		c := decimal.NewFromFloat(*r.Current)
		rec.Current = &c
	}
	return rec
}

// Reading converts the record back to a telemetry reading.
func (r ReadingRecord) Reading() telemetry.Reading {
	out := telemetry.Reading{
		Voltage:          r.Voltage.InexactFloat64(),
		Timestamp:        r.Timestamp,
		VoltageEstimated: r.VoltageEstimated,
		Source:           r.Source,
	}
	if r.Current != nil {
		c := r.Current.InexactFloat64()
		out.Current = &c
	}
	return out
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        string
	Title     string
	DeviceID  string
	Location  string
	Lat       *decimal.Decimal
	Lng       *decimal.Decimal
	Severity  string
	Type      *string
	Timestamp time.Time
	CreatedAt time.Time
}

// NewAlertRecord converts an alert into its storage form.
func NewAlertRecord(a alerting.Alert) AlertRecord {
	rec := AlertRecord{
		ID:        a.ID,
		Title:     a.Title,
		DeviceID:  a.DeviceID,
		Location:  a.Location,
		Severity:  string(a.Severity),
		Timestamp: a.Timestamp.UTC(),
	}
	if a.Coordinates != nil {
		lat := decimal.NewFromFloat(a.Coordinates.Lat)
		lng := decimal.NewFromFloat(a.Coordinates.Lng)
		rec.Lat, rec.Lng = &lat, &lng
	}
	if a.Type != alerting.TypeNone {
		t := string(a.Type)
		rec.Type = &t
	}
	return rec
}

// Alert converts the record back to an alert.
func (r AlertRecord) Alert() alerting.Alert {
	out := alerting.Alert{
		ID:        r.ID,
		Title:     r.Title,
		DeviceID:  r.DeviceID,
		Location:  r.Location,
		Severity:  alerting.Severity(r.Severity),
		Timestamp: r.Timestamp,
	}
	if r.Lat != nil && r.Lng != nil {
		out.Coordinates = &devices.Coordinates{Lat: r.Lat.InexactFloat64(), Lng: r.Lng.InexactFloat64()}
	}
	if r.Type != nil {
		out.Type = alerting.Type(*r.Type)
	}
	return out
}
