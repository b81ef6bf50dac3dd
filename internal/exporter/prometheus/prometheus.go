// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/jouletrace/jouletrace/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
)

// Meter is the read side of the meter the exporter scrapes
type Meter interface {
	ConsumedEnergy() map[string]float64
	TotalConsumedEnergy() float64
}

// Exporter serves the attributed energy totals as Prometheus metrics
type Exporter struct {
	logger      *slog.Logger
	meter       Meter
	enablePprof bool
	webConfig   *web.FlagConfig
	registry    *prometheus.Registry
	server      *http.Server
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
)

type Opts struct {
	logger      *slog.Logger
	webConfig   *web.FlagConfig
	enablePprof bool
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	tlsConfig := ""
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{":28282"},
			WebConfigFile:      &tlsConfig,
		},
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

// WithListen sets the listening addresses and the exporter-toolkit web
// config path (TLS / basic auth) for the metrics server
func WithListen(addrs []string, configFile string) OptionFn {
	return func(o *Opts) {
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addrs,
			WebConfigFile:      &configFile,
		}
	}
}

// WithListenAddress sets a single plain listen address
func WithListenAddress(addr string) OptionFn {
	return WithListen([]string{addr}, "")
}

// WithWebConfig sets the full exporter-toolkit flag config
func WithWebConfig(cfg *web.FlagConfig) OptionFn {
	return func(o *Opts) {
		o.webConfig = cfg
	}
}

// WithPprof mounts the pprof debug endpoints on the metrics server
func WithPprof(enabled bool) OptionFn {
	return func(o *Opts) {
		o.enablePprof = enabled
	}
}

func NewExporter(m Meter, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:      opts.logger.With("service", "prometheus"),
		meter:       m,
		webConfig:   opts.webConfig,
		enablePprof: opts.enablePprof,
		registry:    prometheus.NewRegistry(),
	}
}

func (e *Exporter) Name() string {
	return "prometheus"
}

func (e *Exporter) Init() error {
	e.registry.MustRegister(
		newMeterCollector(e.meter),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	if e.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	e.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("Serving metrics", "addrs", *e.webConfig.WebListenAddresses)
		errCh <- web.ListenAndServe(e.server, e.webConfig, e.logger)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return e.server.Shutdown(shutdownCtx)
	}
}

// meterCollector exposes the meter totals as counters at scrape time
type meterCollector struct {
	meter      Meter
	domainDesc *prometheus.Desc
	totalDesc  *prometheus.Desc
}

func newMeterCollector(m Meter) *meterCollector {
	return &meterCollector{
		meter: m,
		domainDesc: prometheus.NewDesc(
			"jouletrace_domain_joules_total",
			"Energy in joules attributed to the tracked process tree, per domain",
			[]string{"domain"}, nil,
		),
		totalDesc: prometheus.NewDesc(
			"jouletrace_joules_total",
			"Energy in joules attributed to the tracked process tree across all domains",
			nil, nil,
		),
	}
}

func (c *meterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.domainDesc
	ch <- c.totalDesc
}

func (c *meterCollector) Collect(ch chan<- prometheus.Metric) {
	for name, joules := range c.meter.ConsumedEnergy() {
		ch <- prometheus.MustNewConstMetric(c.domainDesc, prometheus.CounterValue, joules, name)
	}
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue, c.meter.TotalConsumedEnergy())
}
