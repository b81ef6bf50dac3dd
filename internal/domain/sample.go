// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"sync"
	"time"
)

// Utilization is the share of a device's capacity used by the tracked
// process tree during one sampling interval. All shares are in [0, 1];
// fields that do not apply to a device stay zero.
type Utilization struct {
	CPU     float64 `csv:"cpu_share"`
	Memory  float64 `csv:"memory_share"`
	Compute float64 `csv:"compute_share"`
}

// SampleRecord is one attributed interval of one device. Devices sampled in
// the same tick of a domain share a Seq.
type SampleRecord struct {
	Seq       uint64    `csv:"seq"`
	Timestamp time.Time `csv:"timestamp"`
	Device    string    `csv:"device"`

	// Energy is the joules attributed to the tracked processes during
	// this interval; Cumulative is the domain total after this interval.
	Energy     float64 `csv:"energy_joules"`
	Cumulative float64 `csv:"cumulative_joules"`

	Utilization
}

// TraceBuffer accumulates samples between flushes. Appending and flushing
// happen on different goroutines, so all access is serialized. Flushing
// detaches the whole batch under the lock rather than copying record by
// record, keeping the sampling path off the exporter's critical section.
type TraceBuffer struct {
	mu      sync.Mutex
	records []SampleRecord
}

func NewTraceBuffer() *TraceBuffer {
	return &TraceBuffer{}
}

// Append adds one sample to the buffer
func (b *TraceBuffer) Append(r SampleRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, r)
}

// Swap detaches and returns the buffered batch, leaving the buffer empty.
// Samples appended after Swap returns land in the next batch.
func (b *TraceBuffer) Swap() []SampleRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.records
	b.records = nil
	return batch
}

// Requeue puts a batch that failed to flush back at the front of the
// buffer, preserving sample order across the retry.
func (b *TraceBuffer) Requeue(batch []SampleRecord) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(batch, b.records...)
}

// Len returns the number of buffered samples
func (b *TraceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
