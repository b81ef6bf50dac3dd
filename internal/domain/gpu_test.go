// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/jouletrace/jouletrace/internal/device"
)

// stubPIDs tracks a fixed pid set
type stubPIDs map[int]bool

func (s stubPIDs) Contains(pid int) bool { return s[pid] }

func newMockLib(devices ...device.GPUDevice) *device.MockGPULib {
	lib := &device.MockGPULib{}
	lib.On("Init").Return(nil)
	lib.On("Devices").Return(devices, nil)
	lib.On("Shutdown").Return(nil)
	return lib
}

func TestGPUDomainCounterStrategy(t *testing.T) {
	dev := &device.MockGPUDevice{}
	dev.On("Index").Return(0)
	// construction probe, then one baseline and one real read
	dev.On("TotalEnergy").Return(device.Energy(0), nil).Twice()
	dev.On("TotalEnergy").Return(5*device.Joule, nil).Once()
	dev.On("ComputeProcesses").Return([]device.GPUProcess{
		{PID: 42, UsedMemory: 2 << 30},
		{PID: 99, UsedMemory: 4 << 30},
	}, nil)
	dev.On("Memory").Return(uint64(6<<30), uint64(8<<30), nil)

	d, err := NewGPUDomain(GPUDomainOpts{
		Clock: testingclock.NewFakeClock(time.Now()),
		Lib:   newMockLib(dev),
		PIDs:  stubPIDs{42: true},
	})
	require.NoError(t, err)

	d.tick() // baseline
	assert.Equal(t, 0.0, d.ConsumedEnergy())

	// 5 J device energy, tracked pid holds 2 GiB of 8 GiB: 1.25 J
	d.tick()
	assert.InDelta(t, 1.25, d.ConsumedEnergy(), 1e-9)

	batch := d.Trace().Swap()
	require.Len(t, batch, 2)
	assert.Equal(t, "gpu:0", batch[1].Device)
	assert.InDelta(t, 0.25, batch[1].Memory, 1e-9)
}

func TestGPUDomainPowerStrategy(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())

	dev := &device.MockGPUDevice{}
	dev.On("Index").Return(1)
	dev.On("TotalEnergy").Return(device.Energy(0), device.ErrNotSupported)
	dev.On("PowerUsage").Return(100*device.Watt, nil)
	dev.On("ComputeProcesses").Return([]device.GPUProcess{{PID: 42, UsedMemory: 1 << 30}}, nil)
	dev.On("Memory").Return(uint64(1<<30), uint64(8<<30), nil)
	dev.On("ProcessUtilization").Return([]device.GPUProcessUtilization{
		{PID: 42, SMUtil: 0.5},
		{PID: 99, SMUtil: 0.3},
	}, nil)

	d, err := NewGPUDomain(GPUDomainOpts{
		Clock: fakeClock,
		Lib:   newMockLib(dev),
		PIDs:  stubPIDs{42: true},
	})
	require.NoError(t, err)

	// 100 W over 2 s from a zero seed integrates to 100 J, SM share 0.5
	fakeClock.Step(2 * time.Second)
	d.tick()
	assert.InDelta(t, 50.0, d.ConsumedEnergy(), 1e-9)

	batch := d.Trace().Swap()
	require.Len(t, batch, 1)
	assert.Equal(t, "gpu:1", batch[0].Device)
	assert.InDelta(t, 0.5, batch[0].Compute, 1e-9)
}

func TestGPUDomainPowerStrategyFallsBackToMemoryShare(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())

	dev := &device.MockGPUDevice{}
	dev.On("Index").Return(0)
	dev.On("TotalEnergy").Return(device.Energy(0), device.ErrNotSupported)
	dev.On("PowerUsage").Return(100*device.Watt, nil)
	dev.On("ComputeProcesses").Return([]device.GPUProcess{{PID: 42, UsedMemory: 2 << 30}}, nil)
	dev.On("Memory").Return(uint64(2<<30), uint64(8<<30), nil)
	dev.On("ProcessUtilization").Return([]device.GPUProcessUtilization(nil), device.ErrNotSupported)

	d, err := NewGPUDomain(GPUDomainOpts{
		Clock: fakeClock,
		Lib:   newMockLib(dev),
		PIDs:  stubPIDs{42: true},
	})
	require.NoError(t, err)

	fakeClock.Step(2 * time.Second)
	d.tick()
	assert.InDelta(t, 25.0, d.ConsumedEnergy(), 1e-9)
}

func TestGPUDomainDeviceErrorContributesZero(t *testing.T) {
	dev := &device.MockGPUDevice{}
	dev.On("Index").Return(0)
	dev.On("TotalEnergy").Return(device.Energy(0), nil).Once() // probe
	dev.On("TotalEnergy").Return(device.Energy(0), errors.New("device lost"))

	d, err := NewGPUDomain(GPUDomainOpts{
		Clock: testingclock.NewFakeClock(time.Now()),
		Lib:   newMockLib(dev),
		PIDs:  stubPIDs{},
	})
	require.NoError(t, err)

	d.tick()
	assert.Equal(t, 0.0, d.ConsumedEnergy())
	assert.Equal(t, 0, d.Trace().Len())
}

func TestGPUDomainUntrackedProcessesGetNothing(t *testing.T) {
	dev := &device.MockGPUDevice{}
	dev.On("Index").Return(0)
	dev.On("TotalEnergy").Return(device.Energy(0), nil).Twice()
	dev.On("TotalEnergy").Return(10*device.Joule, nil).Once()
	dev.On("ComputeProcesses").Return([]device.GPUProcess{{PID: 99, UsedMemory: 4 << 30}}, nil)

	d, err := NewGPUDomain(GPUDomainOpts{
		Clock: testingclock.NewFakeClock(time.Now()),
		Lib:   newMockLib(dev),
		PIDs:  stubPIDs{42: true},
	})
	require.NoError(t, err)

	d.tick()
	d.tick()
	assert.Equal(t, 0.0, d.ConsumedEnergy())
}

func TestGPUDomainShutdownIdempotent(t *testing.T) {
	dev := &device.MockGPUDevice{}
	dev.On("Index").Return(0)
	dev.On("TotalEnergy").Return(device.Energy(0), nil)

	lib := newMockLib(dev)
	d, err := NewGPUDomain(GPUDomainOpts{
		Clock: testingclock.NewFakeClock(time.Now()),
		Lib:   lib,
		PIDs:  stubPIDs{},
	})
	require.NoError(t, err)

	assert.NoError(t, d.Shutdown())
	assert.NoError(t, d.Shutdown())
	lib.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestGPUDomainNoDevices(t *testing.T) {
	lib := newMockLib()
	_, err := NewGPUDomain(GPUDomainOpts{Lib: lib, PIDs: stubPIDs{}})
	assert.Error(t, err)
	lib.AssertCalled(t, "Shutdown")
}
