// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceBufferSwapDetachesBatch(t *testing.T) {
	buf := NewTraceBuffer()
	buf.Append(SampleRecord{Seq: 1})
	buf.Append(SampleRecord{Seq: 2})

	batch := buf.Swap()
	assert.Len(t, batch, 2)
	assert.Equal(t, 0, buf.Len())

	// samples appended after the swap belong to the next batch
	buf.Append(SampleRecord{Seq: 3})
	assert.Len(t, batch, 2)
	assert.Equal(t, 1, buf.Len())
}

func TestTraceBufferSwapEmpty(t *testing.T) {
	buf := NewTraceBuffer()
	assert.Empty(t, buf.Swap())
}

func TestTraceBufferRequeuePreservesOrder(t *testing.T) {
	buf := NewTraceBuffer()
	buf.Append(SampleRecord{Seq: 1})
	buf.Append(SampleRecord{Seq: 2})

	batch := buf.Swap()
	buf.Append(SampleRecord{Seq: 3})
	buf.Requeue(batch)

	all := buf.Swap()
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{all[0].Seq, all[1].Seq, all[2].Seq})
}

func TestTraceBufferConcurrentAppendAndSwap(t *testing.T) {
	buf := NewTraceBuffer()
	const appends = 1000

	var wg sync.WaitGroup
	wg.Add(2)

	collected := 0
	go func() {
		defer wg.Done()
		for i := 0; i < appends; i++ {
			buf.Append(SampleRecord{Seq: uint64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			collected += len(buf.Swap())
		}
	}()
	wg.Wait()

	collected += len(buf.Swap())
	assert.Equal(t, appends, collected)
}

func TestAccumulator(t *testing.T) {
	var acc accumulator
	assert.Equal(t, 0.0, acc.Value())

	acc.Add(1.5)
	acc.Add(2.5)
	assert.InDelta(t, 4.0, acc.Value(), 1e-9)
}
