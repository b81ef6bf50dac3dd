// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

// Zone is the name of a hardware energy domain exposed by the platform,
// e.g. RAPL package, core and dram zones.
type Zone = string

const (
	ZonePackage Zone = "package"
	ZoneCore    Zone = "core"
	ZoneDRAM    Zone = "dram"
	ZoneUncore  Zone = "uncore"
	ZonePSys    Zone = "psys"
)

// EnergyZone is a single monotonic energy counter. Implementations wrap
// around to zero once the counter reaches MaxEnergy.
type EnergyZone interface {
	// Name returns the zone name
	Name() string

	// Index returns the index of the zone, distinguishing zones of the
	// same name on multi-socket systems
	Index() int

	// Path returns the path from which the energy usage value is read
	Path() string

	// Energy returns the current counter value
	Energy() (Energy, error)

	// MaxEnergy returns the counter value at which the zone wraps around.
	// The value is exclusive: the counter stays in [0, MaxEnergy).
	// DeltaReader does not use it to reconstruct the energy lost across a
	// wrap: a backwards reading is indistinguishable from a counter reset,
	// so the interval is discarded instead of corrected.
	MaxEnergy() Energy
}

// EnergyReader provides access to the energy zones of one hardware
// component, such as the CPU powercap sysfs tree.
type EnergyReader interface {
	// Name returns the name of the reader
	Name() string

	// Init initializes the reader and validates that zones can be read
	Init() error

	// Zones returns the list of zones the reader exposes
	Zones() ([]EnergyZone, error)

	// Close releases any resources held by the reader
	Close() error
}
