// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestNewProcessTreeSelf(t *testing.T) {
	tree, err := NewProcessTree("/proc", 0)
	require.NoError(t, err)

	assert.True(t, tree.Contains(os.Getpid()))
	assert.NotEmpty(t, tree.PIDs())
	assert.False(t, tree.Contains(-1))
}

func TestNewProcessTreeUnknownPID(t *testing.T) {
	// pid_max on Linux is bounded well below MaxInt32
	_, err := NewProcessTree("/proc", 1<<30)
	assert.Error(t, err)
}

func TestSampleSharesBounded(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	tree, err := NewProcessTree("/proc", os.Getpid(), WithTreeClock(fakeClock))
	require.NoError(t, err)

	fakeClock.Step(time.Second)
	util := tree.Sample()

	assert.GreaterOrEqual(t, util.CPU, 0.0)
	assert.LessOrEqual(t, util.CPU, 1.0)
	assert.Greater(t, util.Memory, 0.0)
	assert.LessOrEqual(t, util.Memory, 1.0)
}

func TestSampleZeroInterval(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	tree, err := NewProcessTree("/proc", os.Getpid(), WithTreeClock(fakeClock))
	require.NoError(t, err)

	// no wall time elapsed, CPU share must not blow up
	util := tree.Sample()
	assert.Equal(t, 0.0, util.CPU)
}

func TestInvalidProcfsPath(t *testing.T) {
	_, err := NewProcessTree(t.TempDir(), 0)
	assert.Error(t, err)
}
