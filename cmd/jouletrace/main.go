// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"k8s.io/utils/ptr"

	"github.com/jouletrace/jouletrace/config"
	"github.com/jouletrace/jouletrace/internal/device"
	"github.com/jouletrace/jouletrace/internal/domain"
	"github.com/jouletrace/jouletrace/internal/exporter/csv"
	"github.com/jouletrace/jouletrace/internal/exporter/prometheus"
	"github.com/jouletrace/jouletrace/internal/exporter/stdout"
	"github.com/jouletrace/jouletrace/internal/logger"
	"github.com/jouletrace/jouletrace/internal/meter"
	"github.com/jouletrace/jouletrace/internal/service"
	"github.com/jouletrace/jouletrace/internal/version"
)

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(log)
	printConfigInfo(log, cfg)

	domains, err := createDomains(log, cfg)
	if err != nil {
		log.Error("failed to initialize power domains", "error", err)
		os.Exit(1)
	}
	if len(domains) == 0 {
		log.Error("no power domains available on this host")
		os.Exit(1)
	}

	m, sink := createMeter(log, cfg, domains)
	services := createServices(log, cfg, m, sink)

	if err := service.Init(log, services); err != nil {
		log.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	runErr := service.Run(ctx, log, services)

	// the run group tears the loops down abruptly; Conclude does the
	// final flush and releases the hardware handles
	if m.Monitoring() {
		if err := m.Conclude(); err != nil {
			log.Error("failed to conclude metering", "error", err)
			os.Exit(1)
		}
	}

	// close trace files only after the final flush
	if sink != nil {
		if err := sink.Shutdown(); err != nil {
			log.Warn("failed to close trace sink", "error", err)
		}
	}

	if runErr != nil {
		log.Error("jouletrace terminated with an error", "error", runErr)
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "jouletrace"
	app := kingpin.New(appName, "Process-tree energy accounting for RAPL, GPU and platform power domains.")
	app.Version(version.Get().String())

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			log.Error("failed to load config file", "path", *configFile, "error", err)
			return nil, err
		}
		cfg = loadedCfg
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		log.Error("invalid configuration", "error", err)
		return nil, err
	}

	return cfg, nil
}

func logVersionInfo(log *slog.Logger) {
	v := version.Get()
	log.Info("jouletrace version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"platform", v.Platform,
	)
}

func printConfigInfo(log *slog.Logger, cfg *config.Config) {
	if !log.Enabled(context.Background(), slog.LevelDebug) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// createDomains builds one PowerDomain per hardware domain present on the
// host. Absent hardware is skipped; a domain that exists but fails to
// construct is an error.
func createDomains(log *slog.Logger, cfg *config.Config) ([]domain.PowerDomain, error) {
	var domains []domain.PowerDomain

	cpuOpts := domain.CPUDomainOpts{
		Logger:        log,
		Interval:      cfg.Monitor.Interval,
		SysFS:         cfg.Host.SysFS,
		ProcFS:        cfg.Host.ProcFS,
		TargetPID:     cfg.Monitor.PID,
		ExcludedZones: cfg.Rapl.ExcludedZones,
	}
	switch {
	case ptr.Deref(cfg.Dev.FakeCpuMeter.Enabled, false):
		log.Warn("using fake cpu meter, cpu readings are synthetic")
		cpuOpts.Reader = device.NewFakeRaplReader(cfg.Dev.FakeCpuMeter.Zones,
			device.WithFakeLogger(log))
		fallthrough
	case domain.CPUAvailable(cfg.Host.SysFS):
		cpu, err := domain.NewCPUDomain(cpuOpts)
		if err != nil {
			return nil, fmt.Errorf("cpu domain: %w", err)
		}
		domains = append(domains, cpu)
	default:
		log.Warn("rapl not available, skipping cpu domain", "sysfs", cfg.Host.SysFS)
	}

	if domain.GPUAvailable() {
		gpu, err := domain.NewGPUDomain(domain.GPUDomainOpts{
			Logger:    log,
			Interval:  cfg.Monitor.Interval,
			ProcFS:    cfg.Host.ProcFS,
			TargetPID: cfg.Monitor.PID,
		})
		if err != nil {
			return nil, fmt.Errorf("gpu domain: %w", err)
		}
		domains = append(domains, gpu)
	} else {
		log.Info("no gpu devices found, skipping gpu domain")
	}

	if redfish := cfg.Platform.Redfish; ptr.Deref(redfish.Enabled, false) {
		reader := device.NewRedfishReader(redfish.Endpoint, redfish.Username, redfish.Password,
			device.WithRedfishLogger(log),
			device.WithRedfishHTTPTimeout(redfish.HTTPTimeout),
			device.WithRedfishInsecure(ptr.Deref(redfish.Insecure, false)),
		)
		platform, err := domain.NewPlatformDomain(domain.PlatformDomainOpts{
			Logger:    log,
			Interval:  cfg.Monitor.Interval,
			ProcFS:    cfg.Host.ProcFS,
			TargetPID: cfg.Monitor.PID,
			Reader:    reader,
		})
		if err != nil {
			return nil, fmt.Errorf("platform domain: %w", err)
		}
		domains = append(domains, platform)
	}

	return domains, nil
}

func createMeter(log *slog.Logger, cfg *config.Config, domains []domain.PowerDomain) (*meter.Meter, *csv.Sink) {
	opts := []meter.OptionFn{meter.WithLogger(log)}

	var sink *csv.Sink
	if ptr.Deref(cfg.Trace.Enabled, false) {
		sink = csv.NewSink(cfg.Trace.Dir, csv.WithLogger(log))
		opts = append(opts, meter.WithTraceSink(sink, cfg.Trace.FlushInterval))
	}

	return meter.NewMeter(domains, opts...), sink
}

func createServices(log *slog.Logger, cfg *config.Config, m *meter.Meter, sink *csv.Sink) []service.Service {
	services := []service.Service{
		service.NewSignalHandler(log, os.Interrupt, syscall.SIGTERM),
		m,
	}

	if sink != nil {
		services = append(services, sink)
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(m,
			stdout.WithLogger(log),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		))
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		services = append(services, prometheus.NewExporter(m,
			prometheus.WithLogger(log),
			prometheus.WithListen(
				[]string{cfg.Exporter.Prometheus.ListenAddress},
				cfg.Exporter.Prometheus.WebConfigFile,
			),
			prometheus.WithPprof(ptr.Deref(cfg.Debug.Pprof.Enabled, false)),
		))
	}

	return services
}
