// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "fmt"

// Energy is a cumulative amount of energy in microjoules. Hardware counters
// report microjoules natively, so the raw reading layer stays in integer
// microjoules and converts to joules only at the accounting boundary.
type Energy uint64

const (
	MicroJoule Energy = 1
	MilliJoule        = 1000 * MicroJoule
	Joule             = 1000 * MilliJoule
	KiloJoule         = 1000 * Joule
)

// MicroJoules returns the energy in microjoules
func (e Energy) MicroJoules() uint64 {
	return uint64(e)
}

// Joules returns the energy in joules
func (e Energy) Joules() float64 {
	return float64(e) / float64(Joule)
}

func (e Energy) String() string {
	return fmt.Sprintf("%.2fJ", e.Joules())
}

// Power is an instantaneous power draw in microwatts.
type Power float64

const (
	MicroWatt Power = 1
	MilliWatt       = 1000 * MicroWatt
	Watt            = 1000 * MilliWatt
)

// MicroWatts returns the power in microwatts
func (p Power) MicroWatts() float64 {
	return float64(p)
}

// Watts returns the power in watts
func (p Power) Watts() float64 {
	return float64(p) / float64(Watt)
}

func (p Power) String() string {
	return fmt.Sprintf("%.2fW", p.Watts())
}
