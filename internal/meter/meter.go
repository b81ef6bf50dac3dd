// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/run"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/jouletrace/jouletrace/internal/domain"
)

// TraceSink receives flushed sample batches for durable storage. A failed
// write leaves the batch with the caller for a later retry.
type TraceSink interface {
	WriteBatch(domain string, records []domain.SampleRecord) error
}

var (
	// ErrNotMonitoring is returned by Conclude when monitoring never
	// commenced or already concluded
	ErrNotMonitoring = errors.New("cannot conclude monitoring before commencement")

	// ErrAlreadyRan is returned by Run on any second use of a meter
	ErrAlreadyRan = errors.New("meter can only monitor once")
)

// Meter orchestrates a set of power domains. It runs their sampling loops
// concurrently together with a shutdown watchdog and an optional periodic
// trace flush, and owns the Idle -> Monitoring -> Concluded lifecycle.
// Each transition happens exactly once per instance.
type Meter struct {
	logger *slog.Logger
	clock  clock.WithTicker

	domains       []domain.PowerDomain
	sink          TraceSink
	flushInterval time.Duration

	// flushMu serializes flushes: the periodic loop and Conclude's final
	// flush may overlap during the conclude window, and interleaved
	// swap/requeue pairs could reorder a failed batch
	flushMu sync.Mutex

	mu         sync.Mutex
	monitoring bool
	concluded  bool
	shutdown   chan struct{}
}

// Opts holds the optional Meter configuration
type Opts struct {
	logger        *slog.Logger
	clock         clock.WithTicker
	sink          TraceSink
	flushInterval time.Duration
}

// DefaultOpts returns Opts with defaults set; periodic flush stays
// disabled until a sink is supplied
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the meter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock driving the flush loop
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithTraceSink enables trace flushing to sink. A positive interval adds a
// periodic flush loop; zero flushes only at conclusion.
func WithTraceSink(sink TraceSink, interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.sink = sink
		o.flushInterval = interval
	}
}

func NewMeter(domains []domain.PowerDomain, applyOpts ...OptionFn) *Meter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Meter{
		logger:        opts.logger.With("service", "meter"),
		clock:         opts.clock,
		domains:       domains,
		sink:          opts.sink,
		flushInterval: opts.flushInterval,
		shutdown:      make(chan struct{}),
	}
}

func (m *Meter) Name() string {
	return "meter"
}

// Monitoring reports whether the meter is between commencement and
// conclusion
func (m *Meter) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

// Concluded reports whether the meter has concluded
func (m *Meter) Concluded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.concluded
}

// Run commences monitoring and blocks until the watchdog observes the
// shutdown signal or ctx is canceled. Domain loops are abandoned at
// teardown, not drained; in-flight ticks are lost by design.
func (m *Meter) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.monitoring || m.concluded {
		m.mu.Unlock()
		return ErrAlreadyRan
	}
	m.monitoring = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	for _, d := range m.domains {
		d := d
		g.Add(
			func() error {
				return d.Run(runCtx)
			},
			func(err error) {
				cancel()
			},
		)
	}

	// watchdog: Conclude raises the shutdown signal and the whole group
	// unwinds
	g.Add(
		func() error {
			select {
			case <-m.shutdown:
				m.logger.Info("Shutdown signal observed, tearing down")
				return nil
			case <-runCtx.Done():
				return nil
			}
		},
		func(err error) {
			cancel()
		},
	)

	if m.sink != nil && m.flushInterval > 0 {
		g.Add(
			func() error {
				return m.flushLoop(runCtx)
			},
			func(err error) {
				cancel()
			},
		)
	}

	m.logger.Info("Monitoring commenced", "domains", len(m.domains))
	err := g.Run()
	m.logger.Info("Monitoring loops terminated")
	return err
}

func (m *Meter) flushLoop(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			m.flushAll()
		}
	}
}

func (m *Meter) flushAll() {
	for _, d := range m.domains {
		if err := m.flushDomain(d); err != nil {
			m.logger.Warn("Trace flush failed, batch retained",
				"domain", d.Name(), "error", err)
		}
	}
}

// flushDomain hands one domain's buffered samples to the sink. On failure
// the batch is requeued ahead of newer samples so no records are lost.
func (m *Meter) flushDomain(d domain.PowerDomain) error {
	if m.sink == nil {
		return nil
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	batch := d.Trace().Swap()
	if len(batch) == 0 {
		return nil
	}
	if err := m.sink.WriteBatch(d.Name(), batch); err != nil {
		d.Trace().Requeue(batch)
		return err
	}
	return nil
}

// Conclude transitions the meter from Monitoring to Concluded: it raises
// the shutdown signal, flushes every domain's remaining trace and shuts the
// domains down. Calling it before Run, or a second time, is an error.
func (m *Meter) Conclude() error {
	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return ErrNotMonitoring
	}
	m.monitoring = false
	m.concluded = true
	close(m.shutdown)
	m.mu.Unlock()

	m.logger.Info("Concluding monitoring")

	var g errgroup.Group
	for _, d := range m.domains {
		d := d
		g.Go(func() error {
			if err := m.flushDomain(d); err != nil {
				return fmt.Errorf("final flush of %s failed: %w", d.Name(), err)
			}
			return nil
		})
	}
	flushErr := g.Wait()

	var shutdownErr error
	for _, d := range m.domains {
		if err := d.Shutdown(); err != nil {
			m.logger.Warn("Domain shutdown failed", "domain", d.Name(), "error", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}

	m.logger.Info("Monitoring concluded", "total_joules", m.TotalConsumedEnergy())
	return errors.Join(flushErr, shutdownErr)
}

// ConsumedEnergy returns the joules attributed so far, per domain
func (m *Meter) ConsumedEnergy() map[string]float64 {
	totals := make(map[string]float64, len(m.domains))
	for _, d := range m.domains {
		totals[d.Name()] = d.ConsumedEnergy()
	}
	return totals
}

// TotalConsumedEnergy returns the joules attributed so far across all
// domains
func (m *Meter) TotalConsumedEnergy() float64 {
	var total float64
	for _, d := range m.domains {
		total += d.ConsumedEnergy()
	}
	return total
}
