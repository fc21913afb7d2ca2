package source

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"gridwatch/internal/telemetry"
)

// DefaultGeneratorInterval is the simulation cadence.
const DefaultGeneratorInterval = 500 * time.Millisecond

// Generator synthesises plausible grid readings when no live feed is available.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator builds a generator over rng. A nil rng gets a time-seeded source.
func NewGenerator(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{rng: rng}
}

// Next produces the sample for now.
func (g *Generator) Next(now time.Time) telemetry.Reading {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := float64(now.UnixMilli())

	v := 230 + (g.rng.Float64()-0.5)*8 + math.Sin(t/10000)*3
	if g.rng.Float64() < 0.02 {
		sign := 1.0
		if g.rng.Float64() < 0.5 {
			sign = -1
		}
		v += sign * (20 + g.rng.Float64()*20)
	}
	v = math.Max(150, math.Min(300, v))

	c := 1.2 + (g.rng.Float64()-0.5)*0.2 + math.Sin(t/9000)*0.1
	if g.rng.Float64() < 0.03 {
		c += 2 + g.rng.Float64()*1.5
	}
	c = math.Max(0, c)

	r := telemetry.NewReading(v, c, now)
	r.Source = "simulation"
	return r
}
