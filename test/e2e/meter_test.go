// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/domain"
	csvsink "github.com/jouletrace/jouletrace/internal/exporter/csv"
	"github.com/jouletrace/jouletrace/internal/meter"
	"github.com/jouletrace/jouletrace/internal/resource"
)

type halfBusyProbe struct{}

func (halfBusyProbe) Sample() resource.Utilization {
	return resource.Utilization{CPU: 0.5, Memory: 0.5}
}

// TestMeterEndToEnd drives a full metering session against the fake rapl
// reader: commence, sample for a while, conclude, then verify the consumed
// totals and the CSV traces on disk.
func TestMeterEndToEnd(t *testing.T) {
	traceDir := filepath.Join(t.TempDir(), "traces")

	cpu, err := domain.NewCPUDomain(domain.CPUDomainOpts{
		Interval: 10 * time.Millisecond,
		Reader:   device.NewFakeRaplReader(nil),
		Probe:    halfBusyProbe{},
	})
	require.NoError(t, err)

	sink := csvsink.NewSink(traceDir)
	require.NoError(t, sink.Init())

	m := meter.NewMeter(
		[]domain.PowerDomain{cpu},
		meter.WithTraceSink(sink, 25*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.Monitoring, time.Second, 5*time.Millisecond)

	// wait until the fake counters have produced some attributed energy
	require.Eventually(t, func() bool {
		return m.TotalConsumedEnergy() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Conclude())
	require.NoError(t, <-done)
	require.NoError(t, sink.Shutdown())

	assert.True(t, m.Concluded())
	assert.Greater(t, m.ConsumedEnergy()["cpu"], 0.0)

	// conclusion must have flushed the remaining samples
	f, err := os.Open(filepath.Join(traceDir, "cpu.csv"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Greater(t, len(rows), 1, "expected a header and at least one sample")

	header := rows[0]
	assert.Contains(t, header, "seq")
	assert.Contains(t, header, "device")
	assert.Contains(t, header, "energy_joules")
	assert.Contains(t, header, "cumulative_joules")
}

// TestMeterLifecycleErrors exercises the lifecycle guards end to end.
func TestMeterLifecycleErrors(t *testing.T) {
	cpu, err := domain.NewCPUDomain(domain.CPUDomainOpts{
		Interval: 10 * time.Millisecond,
		Reader:   device.NewFakeRaplReader(nil),
		Probe:    halfBusyProbe{},
	})
	require.NoError(t, err)

	m := meter.NewMeter([]domain.PowerDomain{cpu})
	assert.ErrorIs(t, m.Conclude(), meter.ErrNotMonitoring)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, m.Monitoring, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Conclude())
	require.NoError(t, <-done)

	assert.ErrorIs(t, m.Run(ctx), meter.ErrAlreadyRan)
	assert.ErrorIs(t, m.Conclude(), meter.ErrNotMonitoring)
}
