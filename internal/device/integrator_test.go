// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testingclock "k8s.io/utils/clock/testing"
)

func TestPowerIntegratorTrapezoidal(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	pi := NewPowerIntegrator(fakeClock)

	// first sample integrates from the zero seed: (0 + 100)/2 * 2s = 100 J
	fakeClock.Step(2 * time.Second)
	total := pi.Accumulate(100 * Watt)
	assert.InDelta(t, 100.0, total, 1e-9)

	// (100 + 50)/2 * 4s = 300 J
	fakeClock.Step(4 * time.Second)
	total = pi.Accumulate(50 * Watt)
	assert.InDelta(t, 400.0, total, 1e-9)

	assert.InDelta(t, 400.0, pi.Total(), 1e-9)
}

func TestPowerIntegratorZeroElapsed(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	pi := NewPowerIntegrator(fakeClock)

	// no time elapsed, nothing to integrate
	total := pi.Accumulate(500 * Watt)
	assert.InDelta(t, 0.0, total, 1e-9)

	fakeClock.Step(time.Second)
	total = pi.Accumulate(500 * Watt)
	assert.InDelta(t, 500.0, total, 1e-9)
}
