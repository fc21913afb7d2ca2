package debounce

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

// drive feeds one tier per step and collects fired tiers, checking Due before each sample.
func drive(d *Debouncer, steps []struct {
	ms   int
	tier Tier
}, until int) []Tier {
	var fired []Tier
	for _, s := range steps {
		if tier, ok := d.Due(at(s.ms)); ok {
			fired = append(fired, tier)
		}
		d.Observe(s.tier, at(s.ms))
	}
	if tier, ok := d.Due(at(until)); ok {
		fired = append(fired, tier)
	}
	return fired
}

func TestShortLivedTierEmitsNothing(t *testing.T) {
	d := New(0)
	fired := drive(d, []struct {
		ms   int
		tier Tier
	}{
		{0, TierWarning},
		{3000, TierWarning},
		{6900, TierNone},
	}, 20000)
	if len(fired) != 0 {
		t.Fatalf("expected no alerts, got %v", fired)
	}
}

func TestSustainedTierEmitsOnce(t *testing.T) {
	d := New(DefaultDelay)
	if action := d.Observe(TierModerate, at(0)); action != ActionSchedule {
		t.Fatalf("first abnormal tier should schedule, got %s", action)
	}
	if action := d.Observe(TierModerate, at(3000)); action != ActionNone {
		t.Fatalf("unchanged tier must not restart the timer, got %s", action)
	}
	if _, ok := d.Due(at(6999)); ok {
		t.Fatal("fired before the delay elapsed")
	}
	tier, ok := d.Due(at(7000))
	if !ok || tier != TierModerate {
		t.Fatalf("expected moderate to fire at 7000ms, got %v %v", tier, ok)
	}
	if _, ok := d.Due(at(30000)); ok {
		t.Fatal("a fired alert must clear the pending state")
	}
	if d.Pending().Active() {
		t.Fatal("pending should be cleared after firing")
	}
}

func TestOscillationRestartsTimer(t *testing.T) {
	d := New(DefaultDelay)
	fired := drive(d, []struct {
		ms   int
		tier Tier
	}{
		{0, TierModerate},
		{3000, TierWarning},
		{6000, TierModerate},
		{9000, TierWarning},
		{12000, TierWarning},
	}, 15999)
	if len(fired) != 0 {
		t.Fatalf("oscillation should keep restarting, got %v", fired)
	}
	tier, ok := d.Due(at(16000))
	if !ok || tier != TierWarning {
		t.Fatalf("expected a single warning after the stable period, got %v %v", tier, ok)
	}
}

func TestPersistedConditionReschedules(t *testing.T) {
	d := New(DefaultDelay)
	fired := drive(d, []struct {
		ms   int
		tier Tier
	}{
		{0, TierWarning},
		{7000, TierWarning},
		{14000, TierWarning},
	}, 21000)
	if len(fired) != 3 {
		t.Fatalf("expected a fresh alert per stable period, got %v", fired)
	}
}

func TestCancelOnNone(t *testing.T) {
	d := New(DefaultDelay)
	if action := d.Observe(TierNone, at(0)); action != ActionNone {
		t.Fatalf("none without pending should be a no-op, got %s", action)
	}
	d.Observe(TierWarning, at(0))
	if action := d.Observe(TierNone, at(100)); action != ActionCancel {
		t.Fatalf("expected cancel, got %s", action)
	}
	if _, _, ok := d.Deadline(); ok {
		t.Fatal("cancelled debouncer has no deadline")
	}
}

func TestExpireIgnoresStaleTimer(t *testing.T) {
	d := New(DefaultDelay)
	d.Observe(TierModerate, at(0))
	_, staleSeq, _ := d.Deadline()
	d.Observe(TierWarning, at(1000))
	deadline, seq, ok := d.Deadline()
	if !ok || !deadline.Equal(at(8000)) {
		t.Fatalf("unexpected deadline %v", deadline)
	}
	if _, fired := d.Expire(staleSeq); fired {
		t.Fatal("stale timer must not fire")
	}
	tier, fired := d.Expire(seq)
	if !fired || tier != TierWarning {
		t.Fatalf("expected warning, got %v %v", tier, fired)
	}
	if _, fired := d.Expire(seq); fired {
		t.Fatal("timer must fire once")
	}
}

func TestReset(t *testing.T) {
	d := New(DefaultDelay)
	d.Observe(TierWarning, at(0))
	d.Reset()
	d.Reset()
	if d.Pending().Active() {
		t.Fatal("reset should clear pending")
	}
	if _, ok := d.Due(at(60000)); ok {
		t.Fatal("nothing should fire after reset")
	}
}
