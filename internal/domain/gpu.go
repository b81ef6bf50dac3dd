// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/resource"
)

// PIDFilter reports membership in the tracked process tree. Implemented by
// resource.ProcessTree.
type PIDFilter interface {
	Contains(pid int) bool
}

// GPUDomain attributes NVIDIA GPU energy to the tracked process tree. Each
// device picks its accounting strategy at construction: devices exposing a
// cumulative energy counter get a DeltaReader; the rest fall back to
// integrating instantaneous power. Counter devices are weighted by the
// tree's share of used device memory, integrated devices by its SM
// utilization share when the driver provides process accounting.
type GPUDomain struct {
	logger *slog.Logger
	clock  clock.WithTicker

	interval time.Duration
	lib      device.GPULib
	pids     PIDFilter
	devices  []*gpuAccountant

	consumed     accumulator
	trace        *TraceBuffer
	seq          uint64
	shutdownOnce sync.Once
	shutdownErr  error
}

var _ PowerDomain = (*GPUDomain)(nil)

// gpuAccountant carries the per-device accounting state. Exactly one of
// reader and integrator is set.
type gpuAccountant struct {
	dev   device.GPUDevice
	label string

	reader     *device.DeltaReader
	integrator *device.PowerIntegrator
	integrated float64 // joules already drained from the integrator
}

// gpuEnergyZone adapts a GPU energy counter to the EnergyZone interface so
// that DeltaReader can serve both RAPL zones and GPUs
type gpuEnergyZone struct {
	dev device.GPUDevice
}

var _ device.EnergyZone = gpuEnergyZone{}

func (z gpuEnergyZone) Name() string  { return "gpu" }
func (z gpuEnergyZone) Index() int    { return z.dev.Index() }
func (z gpuEnergyZone) Path() string  { return fmt.Sprintf("nvml:%d", z.dev.Index()) }
func (z gpuEnergyZone) Energy() (device.Energy, error) { return z.dev.TotalEnergy() }
func (z gpuEnergyZone) MaxEnergy() device.Energy       { return device.Energy(math.MaxUint64) }

// GPUDomainOpts configures a GPUDomain
type GPUDomainOpts struct {
	Logger   *slog.Logger
	Clock    clock.WithTicker
	Interval time.Duration

	ProcFS    string
	TargetPID int

	// Lib and PIDs override the NVML binding and the process filter,
	// used by tests
	Lib  device.GPULib
	PIDs PIDFilter
}

func NewGPUDomain(opts GPUDomainOpts) (*GPUDomain, error) {
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
	if opts.Lib == nil {
		opts.Lib = device.NewGPULib()
	}

	d := &GPUDomain{
		logger:   opts.Logger.With("service", "gpu-domain"),
		clock:    opts.Clock,
		interval: opts.Interval,
		lib:      opts.Lib,
		pids:     opts.PIDs,
		trace:    NewTraceBuffer(),
	}

	if err := d.lib.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize GPU library: %w", err)
	}

	devices, err := d.lib.Devices()
	if err != nil {
		_ = d.lib.Shutdown()
		return nil, fmt.Errorf("failed to enumerate GPUs: %w", err)
	}
	if len(devices) == 0 {
		_ = d.lib.Shutdown()
		return nil, fmt.Errorf("no GPUs found")
	}

	for _, dev := range devices {
		acct := &gpuAccountant{
			dev:   dev,
			label: fmt.Sprintf("gpu:%d", dev.Index()),
		}
		if _, err := dev.TotalEnergy(); err == nil {
			acct.reader = device.NewDeltaReader(gpuEnergyZone{dev}, device.WithDeltaLogger(d.logger))
		} else {
			if !errors.Is(err, device.ErrNotSupported) {
				d.logger.Warn("Energy counter probe failed, integrating power instead",
					"device", acct.label, "error", err)
			}
			acct.integrator = device.NewPowerIntegrator(d.clock)
		}
		d.devices = append(d.devices, acct)
	}

	if d.pids == nil {
		tree, err := resource.NewProcessTree(opts.ProcFS, opts.TargetPID,
			resource.WithTreeLogger(opts.Logger), resource.WithTreeClock(opts.Clock))
		if err != nil {
			_ = d.lib.Shutdown()
			return nil, err
		}
		d.pids = tree
	}

	d.logger.Info("GPU domain ready", "devices", len(d.devices))
	return d, nil
}

func (d *GPUDomain) Name() string {
	return "gpu"
}

func (d *GPUDomain) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("GPU domain monitoring started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("GPU domain monitoring stopped")
			return nil
		case <-ticker.C():
			d.tick()
		}
	}
}

func (d *GPUDomain) tick() {
	d.seq++
	now := d.clock.Now()

	for _, acct := range d.devices {
		deviceEnergy, err := d.deviceEnergy(acct)
		if err != nil {
			d.logger.Warn("Failed to read device energy, skipping tick",
				"device", acct.label, "error", err)
			continue
		}

		memShare := d.memoryShare(acct)
		weight := memShare
		computeShare := 0.0
		if acct.integrator != nil {
			if share, ok := d.computeShare(acct); ok {
				computeShare = share
				weight = share
			}
		}

		attributed := deviceEnergy * weight
		d.consumed.Add(attributed)
		d.trace.Append(SampleRecord{
			Seq:        d.seq,
			Timestamp:  now,
			Device:     acct.label,
			Energy:     attributed,
			Cumulative: d.consumed.Value(),
			Utilization: Utilization{
				Memory:  memShare,
				Compute: computeShare,
			},
		})
	}
}

// deviceEnergy returns the joules the whole device consumed this interval
func (d *GPUDomain) deviceEnergy(acct *gpuAccountant) (float64, error) {
	if acct.reader != nil {
		return acct.reader.Read()
	}

	power, err := acct.dev.PowerUsage()
	if err != nil {
		return 0, err
	}
	total := acct.integrator.Accumulate(power)
	delta := total - acct.integrated
	acct.integrated = total
	return delta, nil
}

// memoryShare returns the fraction of device memory held by tracked pids
func (d *GPUDomain) memoryShare(acct *gpuAccountant) float64 {
	procs, err := acct.dev.ComputeProcesses()
	if err != nil {
		d.logger.Warn("Failed to list device processes",
			"device", acct.label, "error", err)
		return 0
	}

	var used uint64
	for _, p := range procs {
		if d.pids.Contains(p.PID) {
			used += p.UsedMemory
		}
	}
	if used == 0 {
		return 0
	}

	_, total, err := acct.dev.Memory()
	if err != nil || total == 0 {
		d.logger.Warn("Failed to read device memory",
			"device", acct.label, "error", err)
		return 0
	}
	return clampShare(float64(used) / float64(total))
}

// computeShare returns the SM utilization share of tracked pids; ok is
// false when the device does not support process accounting
func (d *GPUDomain) computeShare(acct *gpuAccountant) (float64, bool) {
	utils, err := acct.dev.ProcessUtilization()
	if err != nil {
		if !errors.Is(err, device.ErrNotSupported) {
			d.logger.Warn("Failed to read process utilization",
				"device", acct.label, "error", err)
		}
		return 0, false
	}

	var share float64
	for _, u := range utils {
		if d.pids.Contains(u.PID) {
			share += u.SMUtil
		}
	}
	return clampShare(share), true
}

func clampShare(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (d *GPUDomain) ConsumedEnergy() float64 {
	return d.consumed.Value()
}

func (d *GPUDomain) Trace() *TraceBuffer {
	return d.trace
}

// Shutdown releases the GPU library. Safe to call more than once.
func (d *GPUDomain) Shutdown() error {
	d.shutdownOnce.Do(func() {
		d.shutdownErr = d.lib.Shutdown()
	})
	return d.shutdownErr
}

// GPUAvailable reports whether the NVML library loads and sees a device
func GPUAvailable() bool {
	return device.GPUAvailable()
}
