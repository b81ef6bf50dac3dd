// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/resource"
)

// UtilizationProbe supplies the host-level utilization shares of the
// tracked process tree. Implemented by resource.ProcessTree.
type UtilizationProbe interface {
	Sample() resource.Utilization
}

// CPUDomain attributes RAPL package energy to the tracked process tree.
// Package deltas are weighted by the tree's CPU-time share; when dram zones
// exist their portion is carved out and weighted by the memory share
// instead, since dram draw follows residency rather than cycles.
type CPUDomain struct {
	logger *slog.Logger
	clock  clock.WithTicker

	interval time.Duration
	probe    UtilizationProbe
	reader   device.EnergyReader

	pkgReaders  []*device.DeltaReader
	dramReaders []*device.DeltaReader

	consumed  accumulator
	trace     *TraceBuffer
	seq       uint64
	closeOnce sync.Once
}

var _ PowerDomain = (*CPUDomain)(nil)

// CPUDomainOpts configures a CPUDomain. The zero value of each field keeps
// its default.
type CPUDomainOpts struct {
	Logger   *slog.Logger
	Clock    clock.WithTicker
	Interval time.Duration

	// SysFS and ProcFS are the mount points used for counter and process
	// reads; they exist so containerized deployments can point at the
	// host mounts.
	SysFS  string
	ProcFS string

	// TargetPID is the root of the tracked process tree, zero meaning
	// the calling process
	TargetPID int

	// ExcludedZones hides RAPL zones by name; empty means psys only
	ExcludedZones []string

	// Reader and Probe override the powercap reader and the procfs
	// probe, used by the fake meter mode and by tests
	Reader device.EnergyReader
	Probe  UtilizationProbe
}

const DefaultInterval = time.Second

func NewCPUDomain(opts CPUDomainOpts) (*CPUDomain, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SysFS == "" {
		opts.SysFS = "/sys"
	}
	if opts.ProcFS == "" {
		opts.ProcFS = "/proc"
	}

	d := &CPUDomain{
		logger:   opts.Logger.With("service", "cpu-domain"),
		clock:    opts.Clock,
		interval: opts.Interval,
		reader:   opts.Reader,
		probe:    opts.Probe,
		trace:    NewTraceBuffer(),
	}

	if d.reader == nil {
		reader, err := device.NewRaplReader(opts.SysFS, opts.ExcludedZones...)
		if err != nil {
			return nil, err
		}
		d.reader = reader
	}
	if err := d.reader.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize energy reader: %w", err)
	}

	zones, err := d.reader.Zones()
	if err != nil {
		return nil, err
	}
	pkgZones, dramZones := classifyZones(zones)
	if len(pkgZones) == 0 {
		return nil, fmt.Errorf("no package energy zones available")
	}
	for _, z := range pkgZones {
		d.pkgReaders = append(d.pkgReaders, device.NewDeltaReader(z, device.WithDeltaLogger(d.logger)))
	}
	for _, z := range dramZones {
		d.dramReaders = append(d.dramReaders, device.NewDeltaReader(z, device.WithDeltaLogger(d.logger)))
	}

	if d.probe == nil {
		tree, err := resource.NewProcessTree(opts.ProcFS, opts.TargetPID,
			resource.WithTreeLogger(opts.Logger), resource.WithTreeClock(opts.Clock))
		if err != nil {
			return nil, err
		}
		d.probe = tree
	}

	d.logger.Info("CPU domain ready",
		"reader", d.reader.Name(), "package_zones", len(d.pkgReaders), "dram_zones", len(d.dramReaders))
	return d, nil
}

// classifyZones splits zones into package zones, whose deltas form the
// domain total, and dram zones, whose deltas are attributed by memory
// share. Systems that expose no package zone fall back to treating every
// non-dram zone as part of the total.
func classifyZones(zones []device.EnergyZone) (pkg, dram []device.EnergyZone) {
	var other []device.EnergyZone
	for _, z := range zones {
		name := strings.ToLower(z.Name())
		switch {
		case strings.Contains(name, "package"):
			pkg = append(pkg, z)
		case strings.Contains(name, "dram") || strings.Contains(name, "ram"):
			dram = append(dram, z)
		default:
			other = append(other, z)
		}
	}
	if len(pkg) == 0 {
		pkg = other
	}
	return pkg, dram
}

func (d *CPUDomain) Name() string {
	return "cpu"
}

func (d *CPUDomain) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("CPU domain monitoring started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("CPU domain monitoring stopped")
			return nil
		case <-ticker.C():
			d.tick()
		}
	}
}

func (d *CPUDomain) tick() {
	util := d.probe.Sample()

	pkgDelta := d.sumDeltas(d.pkgReaders)
	var dramDelta float64
	if len(d.dramReaders) > 0 {
		dramDelta = d.sumDeltas(d.dramReaders)
	}

	var attributed float64
	if len(d.dramReaders) > 0 {
		attributed = (pkgDelta-dramDelta)*util.CPU + dramDelta*util.Memory
	} else {
		attributed = pkgDelta * util.CPU
	}
	// zone deltas can disagree across a discarded wrap interval
	if attributed < 0 {
		attributed = 0
	}

	d.consumed.Add(attributed)
	d.seq++
	d.trace.Append(SampleRecord{
		Seq:        d.seq,
		Timestamp:  d.clock.Now(),
		Device:     d.Name(),
		Energy:     attributed,
		Cumulative: d.consumed.Value(),
		Utilization: Utilization{
			CPU:    util.CPU,
			Memory: util.Memory,
		},
	})
}

// sumDeltas totals the per-zone deltas, treating a failed zone read as zero
// for the interval
func (d *CPUDomain) sumDeltas(readers []*device.DeltaReader) float64 {
	var total float64
	for _, r := range readers {
		delta, err := r.Read()
		if err != nil {
			d.logger.Warn("Failed to read zone, skipping interval",
				"zone", r.Zone().Name(), "error", err)
			continue
		}
		total += delta
	}
	return total
}

func (d *CPUDomain) ConsumedEnergy() float64 {
	return d.consumed.Value()
}

func (d *CPUDomain) Trace() *TraceBuffer {
	return d.trace
}

func (d *CPUDomain) Shutdown() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.reader.Close()
	})
	return err
}

// CPUAvailable reports whether RAPL counters exist under the sysfs root
func CPUAvailable(sysfsPath string) bool {
	return device.RaplAvailable(sysfsPath)
}
