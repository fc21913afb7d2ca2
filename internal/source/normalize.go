package source

import (
	"encoding/json"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gridwatch/internal/telemetry"
)

// Payload is one decoded message from a live feed. A nil Payload means the feed had no data.
type Payload map[string]any

// Aliases lists the field names each quantity may arrive under, in lookup order.
type Aliases struct {
	Voltage       []string
	Current       []string
	NestedVoltage []string
	NestedCurrent []string
	Timestamp     []string
	Containers    []string
}

// DefaultAliases covers the payload shapes seen from field sensors.
var DefaultAliases = Aliases{
	Voltage:       []string{"voltage", "voltageValue", "V", "v", "voltageReading"},
	Current:       []string{"current", "currentValue", "I", "i", "currentReading", "amps"},
	NestedVoltage: []string{"voltage", "value", "V"},
	NestedCurrent: []string{"current", "value", "amps", "I"},
	Timestamp:     []string{"timestamp", "time", "date"},
	Containers:    []string{"sensorData", "data", "readings", "values"},
}

// Estimated voltage band used when a payload carries current only.
const (
	EstimatedVoltageBase   = 220.0
	EstimatedVoltageSpread = 10.0
)

type extraction struct {
	voltage   *float64
	current   *float64
	timestamp time.Time
}

func (e *extraction) empty() bool {
	return valueOf(e.voltage) == 0 && valueOf(e.current) == 0
}

type strategy func(a Aliases, p Payload, out *extraction)

// Strategies run in order; later ones see what earlier ones extracted.
var strategies = []strategy{flatFields, nestedFields, containerFields}

// Normalizer maps heterogeneous payloads onto telemetry.Reading.
type Normalizer struct {
	aliases Aliases
	rng     *rand.Rand
	logger  zerolog.Logger
}

// NewNormalizer builds a normalizer. A nil rng gets a time-seeded source.
func NewNormalizer(aliases Aliases, rng *rand.Rand, logger zerolog.Logger) *Normalizer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Normalizer{aliases: aliases, rng: rng, logger: logger.With().Str("component", "normalizer").Logger()}
}

// Normalize extracts a reading. Unrecognised or malformed fields coerce to absent or zero.
func (n *Normalizer) Normalize(p Payload, now time.Time) telemetry.Reading {
	var ex extraction
	for _, s := range strategies {
		s(n.aliases, p, &ex)
	}

	r := telemetry.Reading{
		Voltage:   valueOf(ex.voltage),
		Current:   ex.current,
		Timestamp: ex.timestamp,
		Source:    "live",
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if r.Voltage == 0 && r.CurrentOrZero() > 0 {
		r.Voltage = EstimatedVoltageBase + n.rng.Float64()*EstimatedVoltageSpread
		r.VoltageEstimated = true
		n.logger.Debug().Float64("voltage", r.Voltage).Float64("current", r.CurrentOrZero()).Msg("payload has no voltage, using estimated value")
	}
	return r
}

func flatFields(a Aliases, p Payload, out *extraction) {
	out.voltage = firstValue(p, a.Voltage)
	out.current = firstValue(p, a.Current)
	out.timestamp = firstTime(p, a.Timestamp)
}

// nestedFields handles {"voltage": {"voltage": 230}} and {"current": {"value": 1.2}}.
func nestedFields(a Aliases, p Payload, out *extraction) {
	if len(a.Voltage) > 0 {
		if inner, ok := asObject(p[a.Voltage[0]]); ok {
			out.voltage = orZero(firstValue(inner, a.NestedVoltage))
		}
	}
	if len(a.Current) > 0 {
		if inner, ok := asObject(p[a.Current[0]]); ok {
			out.current = orZero(firstValue(inner, a.NestedCurrent))
		}
	}
}

// containerFields looks one level down, only when nothing useful was found at the top.
func containerFields(a Aliases, p Payload, out *extraction) {
	if !out.empty() {
		return
	}
	for _, key := range a.Containers {
		inner, ok := asObject(p[key])
		if !ok {
			continue
		}
		out.voltage = firstValue(inner, a.Voltage)
		out.current = firstValue(inner, a.Current)
		if ts := firstTime(inner, a.Timestamp); !ts.IsZero() {
			out.timestamp = ts
		}
		return
	}
}

// firstValue returns the first non-zero alias value. When aliases are present but all
// zero or unparseable it returns 0; when none is present it returns nil.
func firstValue(p Payload, keys []string) *float64 {
	seen := false
	for _, k := range keys {
		raw, ok := p[k]
		if !ok || raw == nil {
			continue
		}
		if _, nested := asObject(raw); nested {
			seen = true
			continue
		}
		seen = true
		if v, ok := parseNumber(raw); ok && v != 0 {
			return &v
		}
	}
	if seen {
		zero := 0.0
		return &zero
	}
	return nil
}

func firstTime(p Payload, keys []string) time.Time {
	for _, k := range keys {
		raw, ok := p[k]
		if !ok || raw == nil {
			continue
		}
		if ts, ok := parseTime(raw); ok {
			return ts
		}
	}
	return time.Time{}
}

func orZero(v *float64) *float64 {
	if v != nil {
		return v
	}
	zero := 0.0
	return &zero
}

func valueOf(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func asObject(v any) (Payload, bool) {
	switch m := v.(type) {
	case Payload:
		return m, m != nil
	case map[string]any:
		return Payload(m), m != nil
	}
	return nil, false
}

var leadingNumber = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// parseNumber accepts numbers, numeric strings and strings with a numeric prefix ("230V").
func parseNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		m := leadingNumber.FindString(strings.TrimSpace(n))
		if m == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseTime accepts RFC 3339 strings and epoch milliseconds.
func parseTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), true
		}
		return time.Time{}, false
	}
	if f, ok := parseNumber(v); ok && f > 0 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Time{}, false
}
