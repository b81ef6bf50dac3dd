// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
)

// NOTE: the fake reader exists for development machines without RAPL access
// and for tests; it is not meant for production use.

var defaultFakeZones = []Zone{ZonePackage, ZoneCore, ZoneDRAM}

const fakeRaplPath = "/sys/class/powercap/intel-rapl"

// fakeEnergyZone implements EnergyZone with a synthetic counter that grows
// by a randomized increment on every read and wraps at maxEnergy.
type fakeEnergyZone struct {
	name      string
	index     int
	path      string
	maxEnergy Energy

	mu           sync.Mutex
	energy       Energy
	increment    Energy
	randomFactor float64
}

var _ EnergyZone = (*fakeEnergyZone)(nil)

func (z *fakeEnergyZone) Name() string {
	return z.name
}

func (z *fakeEnergyZone) Index() int {
	return z.index
}

func (z *fakeEnergyZone) Path() string {
	return z.path
}

func (z *fakeEnergyZone) Energy() (Energy, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	jitter := Energy(rand.Float64() * float64(z.increment) * z.randomFactor)
	z.energy = (z.energy + z.increment + jitter) % z.maxEnergy
	return z.energy, nil
}

func (z *fakeEnergyZone) MaxEnergy() Energy {
	return z.maxEnergy
}

// fakeRaplReader implements EnergyReader over synthetic zones
type fakeRaplReader struct {
	logger *slog.Logger
	zones  []EnergyZone
}

var _ EnergyReader = (*fakeRaplReader)(nil)

type FakeRaplOptFn func(*fakeRaplReader)

// WithFakeLogger sets the logger for the fake reader
func WithFakeLogger(l *slog.Logger) FakeRaplOptFn {
	return func(r *fakeRaplReader) {
		r.logger = l.With("reader", r.Name())
	}
}

// WithFakeMaxEnergy sets the counter value at which fake zones wrap around
func WithFakeMaxEnergy(e Energy) FakeRaplOptFn {
	return func(r *fakeRaplReader) {
		for _, z := range r.zones {
			if fz, ok := z.(*fakeEnergyZone); ok {
				fz.maxEnergy = e
			}
		}
	}
}

// NewFakeRaplReader creates an EnergyReader backed by synthetic zones with
// the given names. Empty names default to package, core and dram.
func NewFakeRaplReader(zones []string, applyOpts ...FakeRaplOptFn) EnergyReader {
	reader := &fakeRaplReader{
		logger: slog.Default().With("reader", "fake-rapl"),
	}

	if len(zones) == 0 {
		zones = defaultFakeZones
	}

	// larger zones grow faster so the fake traces look plausible
	incrementFactor := map[Zone]int{
		ZonePackage: 12,
		ZoneCore:    8,
		ZoneDRAM:    5,
		ZoneUncore:  2,
	}

	reader.zones = make([]EnergyZone, 0, len(zones))
	for i, name := range zones {
		factor, ok := incrementFactor[name]
		if !ok {
			factor = 3
		}
		reader.zones = append(reader.zones, &fakeEnergyZone{
			name:         name,
			index:        i,
			path:         filepath.Join(fakeRaplPath, fmt.Sprintf("energy_%s", name)),
			maxEnergy:    1000 * Joule,
			increment:    Energy(factor) * 10 * MilliJoule,
			randomFactor: 0.5,
		})
	}

	for _, apply := range applyOpts {
		apply(reader)
	}
	return reader
}

func (r *fakeRaplReader) Name() string {
	return "fake-rapl"
}

func (r *fakeRaplReader) Init() error {
	r.logger.Info("Using fake energy zones", "zones", len(r.zones))
	return nil
}

func (r *fakeRaplReader) Zones() ([]EnergyZone, error) {
	return r.zones, nil
}

func (r *fakeRaplReader) Close() error {
	return nil
}
