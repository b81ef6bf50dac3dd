// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/jouletrace/jouletrace/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
)

// Meter is the read side of the meter the exporter renders
type Meter interface {
	ConsumedEnergy() map[string]float64
	TotalConsumedEnergy() float64
}

// Exporter periodically prints the per-domain attributed energy to stdout
type Exporter struct {
	logger   *slog.Logger
	meter    Meter
	out      io.WriteCloser
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		interval: 5 * time.Second,
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithOutput redirects the rendered table, used by tests
func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

// WithInterval sets the render interval
func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func NewExporter(m Meter, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		meter:    m,
		out:      opts.out,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	e.ticker = time.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-e.ticker.C:
			write(e.out, e.meter)
		case <-ctx.Done():
			// render the final totals before exiting
			write(e.out, e.meter)
			return nil
		}
	}
}

func write(out io.Writer, m Meter) {
	perDomain := m.ConsumedEnergy()

	rows := make([][]string, 0, len(perDomain))
	for name, joules := range perDomain {
		rows = append(rows, []string{name, fmt.Sprintf("%.3f", joules)})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i][0] < rows[j][0]
	})
	rows = append(rows, []string{"TOTAL", fmt.Sprintf("%.3f", m.TotalConsumedEnergy())})

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Domain", "Attributed(J)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	e.ticker.Stop()
	return e.out.Close()
}

// Name implements service.Service
func (e *Exporter) Name() string {
	return "stdout"
}
