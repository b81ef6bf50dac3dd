// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMeter returns fixed per-domain totals
type fakeMeter struct {
	totals map[string]float64
}

func (m *fakeMeter) ConsumedEnergy() map[string]float64 {
	return m.totals
}

func (m *fakeMeter) TotalConsumedEnergy() float64 {
	var total float64
	for _, v := range m.totals {
		total += v
	}
	return total
}

// closableBuffer lets tests stand in for stdout
type closableBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closableBuffer) Close() error {
	b.closed = true
	return nil
}

func TestWriteRendersTable(t *testing.T) {
	var buf closableBuffer
	write(&buf, &fakeMeter{totals: map[string]float64{"cpu": 4.5, "gpu": 1.25}})

	out := buf.String()
	assert.Contains(t, out, "cpu")
	assert.Contains(t, out, "4.500")
	assert.Contains(t, out, "gpu")
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "5.750")
}

func TestRunRendersFinalTotalsOnCancel(t *testing.T) {
	buf := &closableBuffer{}
	e := NewExporter(&fakeMeter{totals: map[string]float64{"cpu": 1}},
		WithOutput(buf), WithInterval(time.Hour))
	require.NoError(t, e.Init())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	assert.Contains(t, buf.String(), "TOTAL")
	require.NoError(t, e.Shutdown())
	assert.True(t, buf.closed)
}

func TestExporterName(t *testing.T) {
	e := NewExporter(&fakeMeter{})
	assert.Equal(t, "stdout", e.Name())
}
