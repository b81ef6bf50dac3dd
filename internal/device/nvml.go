// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// ErrNotSupported is returned when a device does not expose the requested
// reading, e.g. a GPU without a total energy counter.
var ErrNotSupported = errors.New("reading not supported by device")

// GPUProcess is one process currently holding memory on a GPU
type GPUProcess struct {
	PID        int
	UsedMemory uint64 // bytes
}

// GPUProcessUtilization is the SM utilization attributed to one process,
// in the range [0, 1].
type GPUProcessUtilization struct {
	PID    int
	SMUtil float64
}

// GPUDevice exposes the readings the accelerator domain needs from one GPU
type GPUDevice interface {
	// Index returns the device index
	Index() int

	// Name returns the product name of the device
	Name() string

	// TotalEnergy returns the cumulative energy consumed by the device.
	// Returns ErrNotSupported on devices without an energy counter.
	TotalEnergy() (Energy, error)

	// PowerUsage returns the instantaneous power draw of the device
	PowerUsage() (Power, error)

	// Memory returns used and total device memory in bytes
	Memory() (used, total uint64, err error)

	// ComputeProcesses returns the processes holding device memory
	ComputeProcesses() ([]GPUProcess, error)

	// ProcessUtilization returns per-process SM utilization since the
	// previous call. Returns ErrNotSupported on devices without process
	// accounting.
	ProcessUtilization() ([]GPUProcessUtilization, error)
}

// GPULib defines the NVML entry points used by the accelerator domain.
// The indirection allows tests to run without a GPU or the NVML library.
type GPULib interface {
	Init() error
	Shutdown() error
	Devices() ([]GPUDevice, error)
}

// nvmlLib is the GPULib implementation backed by the real NVML library
type nvmlLib struct {
	mu     sync.Mutex
	inited bool
}

var gpuLibImpl GPULib = &nvmlLib{}

func (l *nvmlLib) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inited {
		return nil
	}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("failed to initialize NVML: %s", nvml.ErrorString(ret))
	}
	l.inited = true
	return nil
}

func (l *nvmlLib) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.inited {
		return nil
	}
	l.inited = false
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("failed to shutdown NVML: %s", nvml.ErrorString(ret))
	}
	return nil
}

func (l *nvmlLib) Devices() ([]GPUDevice, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device count: %s", nvml.ErrorString(ret))
	}

	devices := make([]GPUDevice, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("failed to get handle for device %d: %s", i, nvml.ErrorString(ret))
		}
		devices = append(devices, &nvmlDevice{dev: dev, index: i})
	}
	return devices, nil
}

// nvmlDevice adapts an NVML device handle to the GPUDevice interface
type nvmlDevice struct {
	dev   nvml.Device
	index int

	// timestamp of the previous utilization query, in microseconds
	lastUtilTs uint64
}

func (d *nvmlDevice) Index() int {
	return d.index
}

func (d *nvmlDevice) Name() string {
	name, ret := d.dev.GetName()
	if ret != nvml.SUCCESS {
		return fmt.Sprintf("gpu-%d", d.index)
	}
	return name
}

func (d *nvmlDevice) TotalEnergy() (Energy, error) {
	mj, ret := d.dev.GetTotalEnergyConsumption()
	switch ret {
	case nvml.SUCCESS:
		return Energy(mj) * MilliJoule, nil
	case nvml.ERROR_NOT_SUPPORTED:
		return 0, ErrNotSupported
	default:
		return 0, fmt.Errorf("failed to read energy counter: %s", nvml.ErrorString(ret))
	}
}

func (d *nvmlDevice) PowerUsage() (Power, error) {
	mw, ret := d.dev.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to read power usage: %s", nvml.ErrorString(ret))
	}
	return Power(mw) * MilliWatt, nil
}

func (d *nvmlDevice) Memory() (uint64, uint64, error) {
	mem, ret := d.dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return 0, 0, fmt.Errorf("failed to read memory info: %s", nvml.ErrorString(ret))
	}
	return mem.Used, mem.Total, nil
}

func (d *nvmlDevice) ComputeProcesses() ([]GPUProcess, error) {
	infos, ret := d.dev.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to read compute processes: %s", nvml.ErrorString(ret))
	}

	procs := make([]GPUProcess, 0, len(infos))
	for _, info := range infos {
		procs = append(procs, GPUProcess{
			PID:        int(info.Pid),
			UsedMemory: info.UsedGpuMemory,
		})
	}
	return procs, nil
}

func (d *nvmlDevice) ProcessUtilization() ([]GPUProcessUtilization, error) {
	samples, ret := d.dev.GetProcessUtilization(d.lastUtilTs)
	d.lastUtilTs = uint64(time.Now().UnixMicro())

	switch ret {
	case nvml.SUCCESS:
	case nvml.ERROR_NOT_FOUND:
		// no samples since the previous query
		return nil, nil
	case nvml.ERROR_NOT_SUPPORTED:
		return nil, ErrNotSupported
	default:
		return nil, fmt.Errorf("failed to read process utilization: %s", nvml.ErrorString(ret))
	}

	utils := make([]GPUProcessUtilization, 0, len(samples))
	for _, s := range samples {
		utils = append(utils, GPUProcessUtilization{
			PID:    int(s.Pid),
			SMUtil: float64(s.SmUtil) / 100.0,
		})
	}
	return utils, nil
}

// NewGPULib returns the NVML-backed GPULib shared by the process
func NewGPULib() GPULib {
	return gpuLibImpl
}

// GPUAvailable reports whether NVML can be initialized and at least one
// device is present. The probe shuts NVML down again; domains re-init it.
func GPUAvailable() bool {
	lib := gpuLibImpl
	if err := lib.Init(); err != nil {
		return false
	}
	defer func() { _ = lib.Shutdown() }()

	devices, err := lib.Devices()
	return err == nil && len(devices) > 0
}
