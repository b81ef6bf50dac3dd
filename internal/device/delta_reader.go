// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
)

// DefaultMaxRetries is the number of times a DeltaReader re-reads a counter
// that appears to have moved backwards before giving up on the interval.
const DefaultMaxRetries = 3

// DeltaReader turns the monotonic counter of an EnergyZone into per-interval
// energy deltas in joules. The first read establishes a baseline and yields
// zero so that energy consumed before monitoring started is never counted.
//
// A reading below the previous one means the counter wrapped or the reading
// raced with a wrap in progress. The reader retries up to maxRetries times;
// if the counter still has not caught up, the interval is reported as zero
// and the lower value becomes the new baseline.
type DeltaReader struct {
	zone       EnergyZone
	logger     *slog.Logger
	maxRetries int

	last   Energy
	primed bool
}

type DeltaReaderOptFn func(*DeltaReader)

// WithDeltaLogger sets the logger used to report wrap-around retries
func WithDeltaLogger(l *slog.Logger) DeltaReaderOptFn {
	return func(r *DeltaReader) {
		r.logger = l
	}
}

// WithMaxRetries overrides the retry bound for backwards readings
func WithMaxRetries(n int) DeltaReaderOptFn {
	return func(r *DeltaReader) {
		r.maxRetries = n
	}
}

func NewDeltaReader(zone EnergyZone, applyOpts ...DeltaReaderOptFn) *DeltaReader {
	r := &DeltaReader{
		zone:       zone,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
	}
	for _, apply := range applyOpts {
		apply(r)
	}
	return r
}

// Zone returns the zone this reader samples
func (r *DeltaReader) Zone() EnergyZone {
	return r.zone
}

// Read returns the energy in joules consumed by the zone since the previous
// call. The baseline always advances to the latest reading, even when the
// delta for this interval is discarded.
func (r *DeltaReader) Read() (float64, error) {
	current, err := r.zone.Energy()
	if err != nil {
		return 0, fmt.Errorf("failed to read zone %s: %w", r.zone.Name(), err)
	}

	if !r.primed {
		r.last = current
		r.primed = true
		return 0, nil
	}

	for attempt := 0; current < r.last; attempt++ {
		if attempt >= r.maxRetries {
			r.logger.Warn("Energy counter moved backwards, discarding interval",
				"zone", r.zone.Name(), "index", r.zone.Index(),
				"previous", r.last.MicroJoules(), "current", current.MicroJoules())
			r.last = current
			return 0, nil
		}

		current, err = r.zone.Energy()
		if err != nil {
			return 0, fmt.Errorf("failed to re-read zone %s: %w", r.zone.Name(), err)
		}
	}

	delta := current - r.last
	r.last = current
	return delta.Joules(), nil
}
