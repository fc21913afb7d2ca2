package source

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gridwatch/internal/telemetry"
)

// Outcome classifies what Accept did with a payload.
type Outcome int

const (
	// Accepted means the reading should be pushed into the pipeline.
	Accepted Outcome = iota
	// Throttled means the update arrived inside the throttle interval and was dropped.
	Throttled
	// NoData means the feed had nothing; the caller switches to the generator.
	NoData
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Throttled:
		return "throttled"
	case NoData:
		return "no_data"
	default:
		return "unknown"
	}
}

// Status is the data-source indicator shown to operators.
type Status string

const (
	StatusSimulation Status = "simulation"
	StatusLive       Status = "live"
	StatusConnecting Status = "connecting"
	StatusStopped    Status = "stopped"
)

// AdapterOptions parameterise the adapter.
type AdapterOptions struct {
	Aliases          Aliases
	ThrottleInterval time.Duration
	Rand             *rand.Rand
}

// Adapter turns feed payloads into readings, throttling live updates.
type Adapter struct {
	mu         sync.Mutex
	normalizer *Normalizer
	throttle   *Throttle
	logger     zerolog.Logger
}

// NewAdapter constructs an adapter. Empty alias tables fall back to DefaultAliases.
func NewAdapter(opts AdapterOptions, logger zerolog.Logger) *Adapter {
	aliases := opts.Aliases
	if len(aliases.Voltage) == 0 && len(aliases.Current) == 0 {
		aliases = DefaultAliases
	}
	return &Adapter{
		normalizer: NewNormalizer(aliases, opts.Rand, logger),
		throttle:   NewThrottle(opts.ThrottleInterval),
		logger:     logger.With().Str("component", "source_adapter").Logger(),
	}
}

// Accept normalises a payload received at now.
// Safe for concurrent callers.
func (a *Adapter) Accept(p Payload, now time.Time) (telemetry.Reading, Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p == nil {
		a.logger.Debug().Msg("feed returned no data")
		return telemetry.Reading{}, NoData
	}
	if !a.throttle.Allow(now) {
		a.logger.Debug().Time("at", now).Msg("update inside throttle interval, dropped")
		return telemetry.Reading{}, Throttled
	}
	return a.normalizer.Normalize(p, now), Accepted
}

// Reset clears the throttle.
func (a *Adapter) Reset() {
	a.throttle.Reset()
}
