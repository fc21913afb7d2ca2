package health

import (
	"math"
	"testing"

	"gridwatch/internal/debounce"
)

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		voltage float64
		want    Status
	}{
		{199.9, ServiceRequired},
		{200.0, Normal},
		{210.0, Normal},
		{234.9, Normal},
		{235.0, ServiceSoon},
		{260.0, ServiceSoon},
		{260.1, ServiceRequired},
		{5, ServiceRequired},
		{math.NaN(), Normal},
		{math.Inf(1), Normal},
	}
	for _, tc := range cases {
		if got := Classify(tc.voltage); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.voltage, got, tc.want)
		}
	}
}

func TestStatusTierAndLabel(t *testing.T) {
	if ServiceRequired.Tier() != debounce.TierWarning {
		t.Fatal("service required should schedule the warning tier")
	}
	if ServiceSoon.Tier() != debounce.TierModerate {
		t.Fatal("service soon should schedule the moderate tier")
	}
	if Normal.Tier() != debounce.TierNone {
		t.Fatal("normal should not schedule")
	}
	if ServiceSoon.Label() != "SERVICE SOON" || Status("").Label() != "NORMAL" {
		t.Fatal("unexpected labels")
	}
}
