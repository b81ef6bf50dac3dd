// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnergyUnits(t *testing.T) {
	e := 2_500_000 * MicroJoule
	assert.InDelta(t, 2.5, e.Joules(), 1e-9)
	assert.Equal(t, uint64(2_500_000), e.MicroJoules())
	assert.Equal(t, "2.50J", e.String())
	assert.Equal(t, Joule, 1000*MilliJoule)
}

func TestPowerUnits(t *testing.T) {
	p := 1500 * MilliWatt
	assert.InDelta(t, 1.5, p.Watts(), 1e-9)
	assert.Equal(t, "1.50W", p.String())
}

func TestFakeRaplReaderZones(t *testing.T) {
	reader := NewFakeRaplReader(nil)
	assert.NoError(t, reader.Init())

	zones, err := reader.Zones()
	assert.NoError(t, err)
	assert.Len(t, zones, 3)

	// fake counters grow monotonically modulo wrap
	for _, zone := range zones {
		first, err := zone.Energy()
		assert.NoError(t, err)
		second, err := zone.Energy()
		assert.NoError(t, err)
		if second < first {
			assert.Less(t, second, zone.MaxEnergy())
		}
		assert.Greater(t, zone.MaxEnergy(), Energy(0))
		assert.NotEmpty(t, zone.Path())
	}
	assert.NoError(t, reader.Close())
}

func TestRaplAvailable(t *testing.T) {
	tmp := t.TempDir()
	assert.False(t, RaplAvailable(tmp))

	powercap := filepath.Join(tmp, "class", "powercap", "intel-rapl:0")
	assert.NoError(t, os.MkdirAll(powercap, 0o755))
	assert.True(t, RaplAvailable(tmp))
}
