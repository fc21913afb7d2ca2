package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gridwatch/internal/alerting"
	"gridwatch/internal/debounce"
	"gridwatch/internal/devices"
	"gridwatch/internal/health"
	"gridwatch/internal/spike"
	"gridwatch/internal/telemetry"
)

// Precedence decides how the spike and voltage paths interact on one sample.
type Precedence string

const (
	// PrecedenceIndependent evaluates both paths on every sample.
	PrecedenceIndependent Precedence = "independent"
	// PrecedenceSpikeSuppressesVoltage skips voltage evaluation for samples meeting the
	// spike condition. A timer already pending is left alone.
	PrecedenceSpikeSuppressesVoltage Precedence = "spike_suppresses_voltage"
)

// ParsePrecedence validates a configured policy name.
func ParsePrecedence(s string) (Precedence, error) {
	switch Precedence(s) {
	case "", PrecedenceIndependent:
		return PrecedenceIndependent, nil
	case PrecedenceSpikeSuppressesVoltage:
		return PrecedenceSpikeSuppressesVoltage, nil
	}
	return "", fmt.Errorf("unknown spike precedence %q", s)
}

// Timer is the handle of an armed debounce timer.
type Timer interface {
	Stop() bool
}

// TimerFunc arms a timer calling f after d.
type TimerFunc func(d time.Duration, f func()) Timer

// RealTimers arms timers with time.AfterFunc.
func RealTimers(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options wire a Processor. Zero values select defaults; a nil Timers means pending
// alerts only fire through Advance.
type Options struct {
	Capacity      int
	Spike         spike.Options
	DebounceDelay time.Duration
	Precedence    Precedence
	Registry      *devices.Registry
	Selector      devices.Selector
	Publisher     alerting.Publisher
	Clock         func() time.Time
	Timers        TimerFunc
}

// Snapshot is a point-in-time view of the processor.
type Snapshot struct {
	Voltage     telemetry.Stats    `json:"voltage"`
	Current     telemetry.Stats    `json:"current"`
	Health      health.Status      `json:"health"`
	HealthLabel string             `json:"health_label"`
	Last        *telemetry.Reading `json:"last"`
	Spike       spike.State        `json:"spike"`
	Pending     debounce.Pending   `json:"pending"`
	Processed   uint64             `json:"processed"`
	Alerts      uint64             `json:"alerts"`
}

// Processor owns the sample windows, spike detector and debouncer. All methods are safe
// for concurrent use; samples are processed one at a time in call order.
type Processor struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	voltage   *telemetry.Window
	current   *telemetry.Window
	spike     *spike.Detector
	debouncer *debounce.Debouncer
	timer     Timer
	last      *telemetry.Reading
	processed uint64
	alerts    uint64
}

// New constructs a Processor.
func New(opts Options, logger zerolog.Logger) *Processor {
	if opts.Capacity <= 0 {
		opts.Capacity = telemetry.DefaultCapacity
	}
	if opts.Precedence == "" {
		opts.Precedence = PrecedenceIndependent
	}
	if opts.Registry == nil {
		opts.Registry = devices.DefaultRegistry()
	}
	if opts.Selector == nil {
		opts.Selector = devices.NewRoundRobin(opts.Registry)
	}
	if opts.Publisher == nil {
		opts.Publisher = alerting.PublisherFunc(func(alerting.Alert) {})
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Processor{
		opts:      opts,
		logger:    logger.With().Str("component", "processor").Logger(),
		voltage:   telemetry.NewWindow(opts.Capacity),
		current:   telemetry.NewWindow(opts.Capacity),
		spike:     spike.NewDetector(opts.Spike),
		debouncer: debounce.New(opts.DebounceDelay),
	}
}

// PushReading ingests one canonical reading.
func (p *Processor) PushReading(r telemetry.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Clock()
	p.fireDue(now)

	p.voltage.Append(r.Voltage)
	reading := r
	p.last = &reading
	p.processed++

	spiking := false
	if r.HasCurrent() {
		c := *r.Current
		p.current.Append(c)
		if p.spike.Observe(c, now) {
			p.emit(alerting.CurrentSpike(p.opts.Selector.Next(), now))
			p.logger.Warn().Float64("current", c).Msg("current spike detected")
		}
		spiking = p.spike.Condition()
	}

	status := health.Classify(r.Voltage)
	if spiking && p.opts.Precedence == PrecedenceSpikeSuppressesVoltage {
		p.logger.Debug().Str("health", string(status)).Msg("voltage evaluation skipped on spiking sample")
		return
	}

	switch p.debouncer.Observe(status.Tier(), now) {
	case debounce.ActionCancel:
		p.stopTimer()
		p.logger.Debug().Msg("voltage back to normal, pending alert cancelled")
	case debounce.ActionSchedule:
		p.stopTimer()
		p.armTimer(now)
		p.logger.Debug().Str("tier", string(status.Tier())).Dur("delay", p.debouncer.Delay()).Msg("voltage alert scheduled")
	}
}

// Advance fires the pending alert if its delay has elapsed at now.
func (p *Processor) Advance(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fireDue(now)
}

// EmitSystemStarted publishes the informational start-up alert.
func (p *Processor) EmitSystemStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(alerting.SystemStarted(p.opts.Clock()))
}

// Stats returns min/max/avg for a quantity; Count is zero when no samples exist.
func (p *Processor) Stats(q telemetry.Quantity) telemetry.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window(q).Stats()
}

// Values returns the retained samples of a quantity, oldest first.
func (p *Processor) Values(q telemetry.Quantity) []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window(q).Values()
}

// Health classifies the latest voltage. Normal before any sample.
func (p *Processor) Health() health.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health()
}

// Snapshot returns stats, health and detector state in one consistent read.
func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.health()
	s := Snapshot{
		Voltage:     p.voltage.Stats(),
		Current:     p.current.Stats(),
		Health:      status,
		HealthLabel: status.Label(),
		Spike:       p.spike.State(),
		Pending:     p.debouncer.Pending(),
		Processed:   p.processed,
		Alerts:      p.alerts,
	}
	if p.last != nil {
		last := *p.last
		s.Last = &last
	}
	return s
}

// Reset stops the pending timer and returns every component to its initial state.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimer()
	p.voltage.Reset()
	p.current.Reset()
	p.spike.Reset()
	p.debouncer.Reset()
	p.last = nil
	p.processed = 0
	p.alerts = 0
}

func (p *Processor) window(q telemetry.Quantity) *telemetry.Window {
	if q == telemetry.Current {
		return p.current
	}
	return p.voltage
}

func (p *Processor) health() health.Status {
	if p.last == nil {
		return health.Normal
	}
	return health.Classify(p.last.Voltage)
}

func (p *Processor) fireDue(now time.Time) {
	if tier, ok := p.debouncer.Due(now); ok {
		p.stopTimer()
		p.emitTier(tier, now)
	}
}

func (p *Processor) armTimer(now time.Time) {
	if p.opts.Timers == nil {
		return
	}
	deadline, seq, ok := p.debouncer.Deadline()
	if !ok {
		return
	}
	p.timer = p.opts.Timers(deadline.Sub(now), func() { p.expire(seq) })
}

func (p *Processor) expire(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tier, ok := p.debouncer.Expire(seq); ok {
		p.timer = nil
		p.emitTier(tier, p.opts.Clock())
	}
}

func (p *Processor) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Processor) emitTier(tier debounce.Tier, at time.Time) {
	a, ok := alerting.VoltageTier(tier, p.opts.Selector.Next(), at)
	if !ok {
		return
	}
	p.emit(a)
	p.logger.Info().Str("tier", string(tier)).Msg("sustained voltage deviation")
}

func (p *Processor) emit(a alerting.Alert) {
	p.alerts++
	p.opts.Publisher.Publish(a)
}
