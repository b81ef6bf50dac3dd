// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/resource"
)

// PlatformPowerReader supplies chassis-level power draw. Implemented by
// device.RedfishReader.
type PlatformPowerReader interface {
	Name() string
	Init() error
	Power() (device.Power, error)
	Close()
}

// PlatformDomain attributes whole-chassis power reported by the BMC to the
// tracked process tree. The BMC exposes power only, so energy comes from
// trapezoidal integration, weighted by the tree's CPU-time share as the
// closest proxy for its share of platform activity.
type PlatformDomain struct {
	logger *slog.Logger
	clock  clock.WithTicker

	interval   time.Duration
	reader     PlatformPowerReader
	probe      UtilizationProbe
	integrator *device.PowerIntegrator
	integrated float64

	consumed  accumulator
	trace     *TraceBuffer
	seq       uint64
	closeOnce sync.Once
}

var _ PowerDomain = (*PlatformDomain)(nil)

// PlatformDomainOpts configures a PlatformDomain
type PlatformDomainOpts struct {
	Logger   *slog.Logger
	Clock    clock.WithTicker
	Interval time.Duration

	ProcFS    string
	TargetPID int

	// Reader is required; the domain owns it after construction
	Reader PlatformPowerReader

	// Probe overrides the procfs probe, used by tests
	Probe UtilizationProbe
}

func NewPlatformDomain(opts PlatformDomainOpts) (*PlatformDomain, error) {
	if opts.Reader == nil {
		return nil, fmt.Errorf("platform domain requires a power reader")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ProcFS == "" {
		opts.ProcFS = "/proc"
	}

	d := &PlatformDomain{
		logger:     opts.Logger.With("service", "platform-domain"),
		clock:      opts.Clock,
		interval:   opts.Interval,
		reader:     opts.Reader,
		probe:      opts.Probe,
		integrator: device.NewPowerIntegrator(opts.Clock),
		trace:      NewTraceBuffer(),
	}

	if err := d.reader.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize platform power reader: %w", err)
	}

	if d.probe == nil {
		tree, err := resource.NewProcessTree(opts.ProcFS, opts.TargetPID,
			resource.WithTreeLogger(opts.Logger), resource.WithTreeClock(opts.Clock))
		if err != nil {
			d.reader.Close()
			return nil, err
		}
		d.probe = tree
	}

	d.logger.Info("Platform domain ready", "reader", d.reader.Name())
	return d, nil
}

func (d *PlatformDomain) Name() string {
	return "platform"
}

func (d *PlatformDomain) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("Platform domain monitoring started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Platform domain monitoring stopped")
			return nil
		case <-ticker.C():
			d.tick()
		}
	}
}

func (d *PlatformDomain) tick() {
	util := d.probe.Sample()

	power, err := d.reader.Power()
	if err != nil {
		d.logger.Warn("Failed to read platform power, skipping tick", "error", err)
		return
	}

	total := d.integrator.Accumulate(power)
	delta := total - d.integrated
	d.integrated = total

	attributed := delta * util.CPU
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

func (d *PlatformDomain) ConsumedEnergy() float64 {
	return d.consumed.Value()
}

func (d *PlatformDomain) Trace() *TraceBuffer {
	return d.trace
}

func (d *PlatformDomain) Shutdown() error {
	d.closeOnce.Do(func() {
		d.reader.Close()
	})
	return nil
}
