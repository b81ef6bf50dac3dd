// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// RaplAvailable reports whether the powercap interface is usable, i.e. the
// powercap directory exists under the given sysfs root and is not empty.
// It performs no reads, so it is safe to call before constructing a reader.
func RaplAvailable(sysfsPath string) bool {
	entries, err := os.ReadDir(filepath.Join(sysfsPath, "class", "powercap"))
	return err == nil && len(entries) > 0
}

// raplReader exposes RAPL energy zones through the Linux powercap sysfs tree
type raplReader struct {
	fs       sysfs.FS
	excluded map[string]bool
}

var _ EnergyReader = (*raplReader)(nil)

// NewRaplReader creates an EnergyReader over the powercap sysfs tree rooted
// at sysfsPath. Zones whose name matches one of excludedZones are hidden;
// psys is excluded by default since it subsumes the package zones and would
// double count them.
func NewRaplReader(sysfsPath string, excludedZones ...string) (EnergyReader, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs at %s: %w", sysfsPath, err)
	}

	if len(excludedZones) == 0 {
		excludedZones = []string{ZonePSys}
	}
	excluded := make(map[string]bool, len(excludedZones))
	for _, z := range excludedZones {
		excluded[strings.ToLower(z)] = true
	}

	return &raplReader{fs: fs, excluded: excluded}, nil
}

func (r *raplReader) Name() string {
	return "rapl"
}

// Init verifies that at least one zone exists and can be read
func (r *raplReader) Init() error {
	zones, err := r.Zones()
	if err != nil {
		return err
	}
	if len(zones) == 0 {
		return fmt.Errorf("no RAPL zones found")
	}
	if _, err := zones[0].Energy(); err != nil {
		return fmt.Errorf("failed to read energy from zone %s: %w", zones[0].Name(), err)
	}
	return nil
}

func (r *raplReader) Zones() ([]EnergyZone, error) {
	raplZones, err := sysfs.GetRaplZones(r.fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read rapl zones: %w", err)
	}

	zones := make([]EnergyZone, 0, len(raplZones))
	for _, zone := range raplZones {
		if r.excluded[strings.ToLower(zone.Name)] {
			continue
		}
		zones = append(zones, sysfsRaplZone{zone})
	}
	return zones, nil
}

func (r *raplReader) Close() error {
	return nil
}

// sysfsRaplZone adapts sysfs.RaplZone to the EnergyZone interface
type sysfsRaplZone struct {
	zone sysfs.RaplZone
}

func (s sysfsRaplZone) Name() string {
	return s.zone.Name
}

func (s sysfsRaplZone) Index() int {
	return s.zone.Index
}

func (s sysfsRaplZone) Path() string {
	return s.zone.Path
}

func (s sysfsRaplZone) Energy() (Energy, error) {
	uj, err := s.zone.GetEnergyMicrojoules()
	return Energy(uj), err
}

func (s sysfsRaplZone) MaxEnergy() Energy {
	return Energy(s.zone.MaxMicrojoules)
}
