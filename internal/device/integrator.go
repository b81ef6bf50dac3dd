// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"time"

	"k8s.io/utils/clock"
)

// PowerIntegrator converts a series of instantaneous power samples into
// cumulative energy using the trapezoidal rule. It serves devices that only
// expose a power reading and no energy counter.
type PowerIntegrator struct {
	clock clock.PassiveClock

	lastTime  time.Time
	lastPower Power
	total     float64 // joules
}

// NewPowerIntegrator returns an integrator seeded at the current time with
// zero power, so that the first sample integrates from a zero baseline.
func NewPowerIntegrator(c clock.PassiveClock) *PowerIntegrator {
	if c == nil {
		c = clock.RealClock{}
	}
	return &PowerIntegrator{
		clock:    c,
		lastTime: c.Now(),
	}
}

// Accumulate folds one power sample into the running total and returns the
// total energy in joules integrated so far.
func (pi *PowerIntegrator) Accumulate(p Power) float64 {
	now := pi.clock.Now()
	dt := now.Sub(pi.lastTime).Seconds()
	if dt > 0 {
		pi.total += (p.Watts() + pi.lastPower.Watts()) / 2 * dt
	}
	pi.lastTime = now
	pi.lastPower = p
	return pi.total
}

// Total returns the energy in joules integrated so far
func (pi *PowerIntegrator) Total() float64 {
	return pi.total
}
