package spike

import "time"

// Options tune the hysteresis band and rate limit.
type Options struct {
	// Trigger is the absolute current (A) above which a sample counts as a spike.
	Trigger float64
	// JumpFactor flags a sample exceeding the previous one by this multiple.
	JumpFactor float64
	// Recovery is the current an active spike must drop below to clear.
	Recovery float64
	// MinInterval is the minimum spacing between two spike onsets.
	MinInterval time.Duration
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		Trigger:     2.0,
		JumpFactor:  2,
		Recovery:    1.5,
		MinInterval: 2500 * time.Millisecond,
	}
}

// State is a snapshot of the detector.
type State struct {
	Active      bool      `json:"active"`
	LastSpikeAt time.Time `json:"last_spike_at"`
	LastCurrent *float64  `json:"last_current"`
}

// Detector is a two-state (idle / spike active) machine over one current stream.
// It is not safe for concurrent use.
type Detector struct {
	opts      Options
	active    bool
	lastSpike time.Time
	last      float64
	hasLast   bool
	condition bool
}

// NewDetector builds a detector, filling zero options from DefaultOptions.
func NewDetector(opts Options) *Detector {
	def := DefaultOptions()
	if opts.Trigger <= 0 {
		opts.Trigger = def.Trigger
	}
	if opts.JumpFactor <= 0 {
		opts.JumpFactor = def.JumpFactor
	}
	if opts.Recovery <= 0 {
		opts.Recovery = def.Recovery
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = def.MinInterval
	}
	return &Detector{opts: opts}
}

// Observe processes one current sample and reports whether a spike started.
func (d *Detector) Observe(current float64, now time.Time) bool {
	d.condition = current > d.opts.Trigger || (d.hasLast && current > d.last*d.opts.JumpFactor)

	started := false
	if d.condition && !d.active && d.rateAllows(now) {
		d.active = true
		d.lastSpike = now
		started = true
	}
	if !d.condition && d.active && current < d.opts.Recovery {
		d.active = false
	}

	d.last = current
	d.hasLast = true
	return started
}

func (d *Detector) rateAllows(now time.Time) bool {
	if d.lastSpike.IsZero() {
		return true
	}
	return now.Sub(d.lastSpike) >= d.opts.MinInterval
}

// Condition reports whether the latest sample met the trigger condition.
func (d *Detector) Condition() bool {
	return d.condition
}

// Active reports whether a spike is in progress.
func (d *Detector) Active() bool {
	return d.active
}

// State returns a copy of the detector state.
func (d *Detector) State() State {
	s := State{Active: d.active, LastSpikeAt: d.lastSpike}
	if d.hasLast {
		last := d.last
		s.LastCurrent = &last
	}
	return s
}

// Reset returns the detector to idle with no history.
func (d *Detector) Reset() {
	d.active = false
	d.lastSpike = time.Time{}
	d.last = 0
	d.hasLast = false
	d.condition = false
}
