package debounce

import "time"

// DefaultDelay is how long a tier must persist before it surfaces as an alert.
const DefaultDelay = 7 * time.Second

// Tier is the intermediate severity a pending alert is scheduled with.
type Tier string

const (
	TierNone     Tier = "none"
	TierModerate Tier = "moderate"
	TierWarning  Tier = "warning"
)

// Action tells the caller what happened to the pending timer.
type Action int

const (
	// ActionNone leaves any running timer untouched.
	ActionNone Action = iota
	// ActionCancel means the pending timer must be stopped.
	ActionCancel
	// ActionSchedule means the old timer (if any) must be stopped and a new one armed.
	ActionSchedule
)

func (a Action) String() string {
	switch a {
	case ActionCancel:
		return "cancel"
	case ActionSchedule:
		return "schedule"
	default:
		return "none"
	}
}

// Pending is the alert currently waiting for its delay to elapse.
type Pending struct {
	Tier        Tier      `json:"tier"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Active reports whether a timer is pending.
func (p Pending) Active() bool {
	return p.Tier != TierNone && p.Tier != ""
}

// Debouncer holds at most one pending alert. Time is always passed in by the caller.
type Debouncer struct {
	delay   time.Duration
	pending Pending
	seq     uint64
}

// New constructs a Debouncer; non-positive delay falls back to DefaultDelay.
func New(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer{delay: delay, pending: Pending{Tier: TierNone}}
}

// Delay returns the configured persistence delay.
func (d *Debouncer) Delay() time.Duration {
	return d.delay
}

// Observe feeds the tier computed for the latest sample.
func (d *Debouncer) Observe(tier Tier, now time.Time) Action {
	if tier == "" {
		tier = TierNone
	}
	if tier == TierNone {
		if !d.pending.Active() {
			return ActionNone
		}
		d.clear()
		return ActionCancel
	}
	if d.pending.Active() && d.pending.Tier == tier {
		return ActionNone
	}
	d.seq++
	d.pending = Pending{Tier: tier, ScheduledAt: now}
	return ActionSchedule
}

// Due fires the pending alert if its delay has elapsed at now.
func (d *Debouncer) Due(now time.Time) (Tier, bool) {
	if !d.pending.Active() {
		return TierNone, false
	}
	if now.Before(d.pending.ScheduledAt.Add(d.delay)) {
		return TierNone, false
	}
	tier := d.pending.Tier
	d.clear()
	return tier, true
}

// Expire fires the pending alert armed under seq, regardless of the clock.
// A stale seq (the timer was superseded or cancelled) is ignored.
func (d *Debouncer) Expire(seq uint64) (Tier, bool) {
	if !d.pending.Active() || seq != d.seq {
		return TierNone, false
	}
	tier := d.pending.Tier
	d.clear()
	return tier, true
}

// Deadline returns when the pending alert fires and the seq identifying it.
func (d *Debouncer) Deadline() (time.Time, uint64, bool) {
	if !d.pending.Active() {
		return time.Time{}, 0, false
	}
	return d.pending.ScheduledAt.Add(d.delay), d.seq, true
}

// Pending returns the current pending alert.
func (d *Debouncer) Pending() Pending {
	return d.pending
}

// Reset drops any pending alert.
func (d *Debouncer) Reset() {
	d.clear()
}

func (d *Debouncer) clear() {
	d.seq++
	d.pending = Pending{Tier: TierNone}
}
