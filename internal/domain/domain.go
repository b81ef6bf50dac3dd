// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"math"
	"sync/atomic"
)

// PowerDomain is one class of hardware energy source, e.g. the CPU RAPL
// zones or the NVIDIA GPUs of the host. A domain samples its counters on its
// own cadence, attributes energy to the tracked process tree and records a
// trace of every interval.
type PowerDomain interface {
	// Name returns the domain name, unique within a meter
	Name() string

	// Run samples the domain until ctx is canceled. It is expected to
	// block and be called at most once.
	Run(ctx context.Context) error

	// ConsumedEnergy returns the energy in joules attributed to the
	// tracked processes so far. Safe to call while Run is in progress;
	// the value is a best-effort snapshot of a moving total.
	ConsumedEnergy() float64

	// Trace returns the buffer holding samples not yet flushed
	Trace() *TraceBuffer

	// Shutdown releases device resources. Idempotent.
	Shutdown() error
}

// accumulator is a float64 total with atomic add and load. Domains have a
// single writer; the atomics only make concurrent snapshot reads clean.
type accumulator struct {
	bits atomic.Uint64
}

func (a *accumulator) Add(joules float64) {
	for {
		old := a.bits.Load()
		updated := math.Float64bits(math.Float64frombits(old) + joules)
		if a.bits.CompareAndSwap(old, updated) {
			return
		}
	}
}

func (a *accumulator) Value() float64 {
	return math.Float64frombits(a.bits.Load())
}
