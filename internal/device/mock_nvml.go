// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"github.com/stretchr/testify/mock"
)

// MockGPULib is a mock implementation of GPULib
type MockGPULib struct {
	mock.Mock
}

var _ GPULib = (*MockGPULib)(nil)

func (m *MockGPULib) Init() error {
	return m.Called().Error(0)
}

func (m *MockGPULib) Shutdown() error {
	return m.Called().Error(0)
}

func (m *MockGPULib) Devices() ([]GPUDevice, error) {
	calledArgs := m.Called()
	return calledArgs.Get(0).([]GPUDevice), calledArgs.Error(1)
}

// MockGPUDevice is a mock implementation of GPUDevice
type MockGPUDevice struct {
	mock.Mock
}

var _ GPUDevice = (*MockGPUDevice)(nil)

func (m *MockGPUDevice) Index() int {
	return m.Called().Int(0)
}

func (m *MockGPUDevice) Name() string {
	return m.Called().String(0)
}

func (m *MockGPUDevice) TotalEnergy() (Energy, error) {
	calledArgs := m.Called()
	return calledArgs.Get(0).(Energy), calledArgs.Error(1)
}

func (m *MockGPUDevice) PowerUsage() (Power, error) {
	calledArgs := m.Called()
	return calledArgs.Get(0).(Power), calledArgs.Error(1)
}

func (m *MockGPUDevice) Memory() (uint64, uint64, error) {
	calledArgs := m.Called()
	return calledArgs.Get(0).(uint64), calledArgs.Get(1).(uint64), calledArgs.Error(2)
}

func (m *MockGPUDevice) ComputeProcesses() ([]GPUProcess, error) {
	calledArgs := m.Called()
	return calledArgs.Get(0).([]GPUProcess), calledArgs.Error(1)
}

func (m *MockGPUDevice) ProcessUtilization() ([]GPUProcessUtilization, error) {
	calledArgs := m.Called()
	return calledArgs.Get(0).([]GPUProcessUtilization), calledArgs.Error(1)
}
