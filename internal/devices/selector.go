package devices

import (
	"fmt"
	"math/rand"
)

// Unassigned tags alerts raised while the registry is empty.
var Unassigned = Device{ID: "unknown", Name: "unknown", Location: "unknown"}

// Selector picks the device an alert is attributed to.
type Selector interface {
	Next() Device
}

// RoundRobin cycles through the registry in order.
type RoundRobin struct {
	reg  *Registry
	next int
}

// NewRoundRobin builds a round-robin selector.
func NewRoundRobin(reg *Registry) *RoundRobin {
	return &RoundRobin{reg: reg}
}

// Next returns the next device in rotation.
func (s *RoundRobin) Next() Device {
	n := s.reg.Len()
	if n == 0 {
		return Unassigned
	}
	d := s.reg.At(s.next % n)
	s.next = (s.next + 1) % n
	return d
}

// Random picks uniformly from the registry.
type Random struct {
	reg *Registry
	rng *rand.Rand
}

// NewRandom builds a random selector over rng.
func NewRandom(reg *Registry, rng *rand.Rand) *Random {
	return &Random{reg: reg, rng: rng}
}

// Next returns a random device.
func (s *Random) Next() Device {
	n := s.reg.Len()
	if n == 0 {
		return Unassigned
	}
	return s.reg.At(s.rng.Intn(n))
}

// NewSelector resolves a policy name ("round_robin" or "random").
func NewSelector(policy string, reg *Registry, rng *rand.Rand) (Selector, error) {
	switch policy {
	case "", "round_robin":
		return NewRoundRobin(reg), nil
	case "random":
		return NewRandom(reg, rng), nil
	default:
		return nil, fmt.Errorf("unknown device selection policy %q", policy)
	}
}

var (
	_ Selector = (*RoundRobin)(nil)
	_ Selector = (*Random)(nil)
)
