package alerting

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// CSVHeader is the column order of exported alerts.
var CSVHeader = []string{"id", "title", "deviceId", "location", "lat", "lng", "severity", "timestamp"}

// WriteCSV writes alerts with CSVHeader columns. Missing coordinates are left empty.
func WriteCSV(w io.Writer, alerts []Alert) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader); err != nil {
		return err
	}
	for _, a := range alerts {
		lat, lng := "", ""
		if a.Coordinates != nil {
			lat = strconv.FormatFloat(a.Coordinates.Lat, 'f', -1, 64)
			lng = strconv.FormatFloat(a.Coordinates.Lng, 'f', -1, 64)
		}
		record := []string{
			a.ID,
			a.Title,
			a.DeviceID,
			a.Location,
			lat,
			lng,
			string(a.Severity),
			a.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
