// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"

	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
	}

	// Monitor controls the sampling loops
	Monitor struct {
		// PID is the root of the tracked process tree; 0 tracks the
		// jouletrace process itself
		PID int `yaml:"pid"`

		// Interval between samples of each domain
		Interval time.Duration `yaml:"interval"`
	}

	// Rapl configuration
	Rapl struct {
		// ExcludedZones hides zones by name; empty defaults to psys
		ExcludedZones []string `yaml:"excludedZones"`
	}

	// Trace controls durable sample storage
	Trace struct {
		Enabled *bool  `yaml:"enabled"`
		Dir     string `yaml:"dir"`

		// FlushInterval between periodic flushes; 0 flushes only at
		// conclusion
		FlushInterval time.Duration `yaml:"flushInterval"`
	}

	StdoutExporter struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	}

	PrometheusExporter struct {
		Enabled       *bool  `yaml:"enabled"`
		ListenAddress string `yaml:"listenAddress"`

		// WebConfigFile is an exporter-toolkit web config for TLS and
		// basic auth on the metrics listener; empty serves plain HTTP
		WebConfigFile string `yaml:"webConfigFile"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	FakeCpuMeter struct {
		Enabled *bool    `yaml:"enabled"`
		Zones   []string `yaml:"zones"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeCpuMeter FakeCpuMeter `yaml:"fake-cpu-meter"`
	}

	// Redfish contains settings for BMC platform power monitoring
	Redfish struct {
		Enabled     *bool         `yaml:"enabled"`
		Endpoint    string        `yaml:"endpoint"`
		Username    string        `yaml:"username"`
		Password    string        `yaml:"password"`
		Insecure    *bool         `yaml:"insecure"`
		HTTPTimeout time.Duration `yaml:"httpTimeout"`
	}

	Platform struct {
		Redfish Redfish `yaml:"redfish"`
	}

	// PprofDebug configures the pprof endpoints on the metrics server
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Monitor  Monitor  `yaml:"monitor"`
		Rapl     Rapl     `yaml:"rapl"`
		Trace    Trace    `yaml:"trace"`
		Exporter Exporter `yaml:"exporter"`
		Dev      Dev      `yaml:"dev"`
		Platform Platform `yaml:"platform"`
		Debug    Debug    `yaml:"debug"`
	}
)

// flag names
const (
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag  = "host.sysfs"
	HostProcFSFlag = "host.procfs"

	MonitorPIDFlag      = "monitor.pid"
	MonitorIntervalFlag = "monitor.interval"

	TraceEnabledFlag       = "trace.enabled"
	TraceDirFlag           = "trace.dir"
	TraceFlushIntervalFlag = "trace.flush-interval"

	ExporterStdoutEnabledFlag      = "exporter.stdout"
	ExporterStdoutIntervalFlag     = "exporter.stdout.interval"
	ExporterPrometheusEnabledFlag  = "exporter.prometheus"
	ExporterPrometheusListenFlag   = "exporter.prometheus.listen-address"
	ExporterPrometheusWebCfgFlag   = "exporter.prometheus.web-config-file"
	DevFakeCpuMeterFlag            = "dev.fake-cpu-meter"
	PlatformRedfishEnabledFlag     = "platform.redfish"
	PlatformRedfishEndpointFlag    = "platform.redfish.endpoint"
	PlatformRedfishUsernameFlag    = "platform.redfish.username"
	PlatformRedfishPasswordFlag    = "platform.redfish.password"
	PlatformRedfishInsecureFlag    = "platform.redfish.insecure"
	PlatformRedfishHTTPTimeoutFlag = "platform.redfish.http-timeout"

	DebugPprofFlag = "debug.pprof"
)

// DefaultConfig returns a Config with all defaults set
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
		},
		Monitor: Monitor{
			PID:      0,
			Interval: 1 * time.Second,
		},
		Trace: Trace{
			Enabled:       ptr.To(true),
			Dir:           "traces",
			FlushInterval: 10 * time.Second,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled:  ptr.To(false),
				Interval: 5 * time.Second,
			},
			Prometheus: PrometheusExporter{
				Enabled:       ptr.To(false),
				ListenAddress: ":28282",
			},
		},
		Dev: Dev{
			FakeCpuMeter: FakeCpuMeter{
				Enabled: ptr.To(false),
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Platform: Platform{
			Redfish: Redfish{
				Enabled:     ptr.To(false),
				Insecure:    ptr.To(false),
				HTTPTimeout: 5 * time.Second,
			},
		},
	}
}

// Load reads yaml configuration on top of the defaults
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	var errRet error
	defer func() {
		err = file.Close()
		if err != nil && errRet == nil {
			errRet = err
		}
	}()

	cfg, errRet := Load(file)

	return cfg, errRet
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with the kingpin app and
// returns a ConfigUpdaterFn that applies parsed flags on top of the config,
// since command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// clear the map in case parsing runs more than once
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()

	monitorPID := app.Flag(MonitorPIDFlag, "Root pid of the tracked process tree; 0 tracks jouletrace itself").Default("0").Int()
	monitorInterval := app.Flag(MonitorIntervalFlag, "Interval between samples of each domain").Default("1s").Duration()

	traceEnabled := app.Flag(TraceEnabledFlag, "Write sample traces to CSV files").Default("true").Bool()
	traceDir := app.Flag(TraceDirFlag, "Directory for trace files").Default("traces").String()
	traceFlushInterval := app.Flag(TraceFlushIntervalFlag, "Interval between periodic trace flushes; 0 flushes only at conclusion").Default("10s").Duration()

	stdoutEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout summary exporter").Default("false").Bool()
	stdoutInterval := app.Flag(ExporterStdoutIntervalFlag, "Stdout summary render interval").Default("5s").Duration()
	prometheusEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("false").Bool()
	prometheusListen := app.Flag(ExporterPrometheusListenFlag, "Prometheus exporter listen address").Default(":28282").String()
	prometheusWebCfg := app.Flag(ExporterPrometheusWebCfgFlag, "Exporter-toolkit web config file for TLS and basic auth").String()

	fakeCpuMeter := app.Flag(DevFakeCpuMeterFlag, "Use synthetic CPU energy zones instead of RAPL").Default("false").Bool()

	redfishEnabled := app.Flag(PlatformRedfishEnabledFlag, "Enable Redfish BMC platform power monitoring").Default("false").Bool()
	redfishEndpoint := app.Flag(PlatformRedfishEndpointFlag, "Redfish BMC endpoint URL").String()
	redfishUsername := app.Flag(PlatformRedfishUsernameFlag, "Redfish BMC username").String()
	redfishPassword := app.Flag(PlatformRedfishPasswordFlag, "Redfish BMC password").String()
	redfishInsecure := app.Flag(PlatformRedfishInsecureFlag, "Skip TLS verification for the BMC").Default("false").Bool()
	redfishHTTPTimeout := app.Flag(PlatformRedfishHTTPTimeoutFlag, "HTTP client timeout for BMC requests").Default("5s").Duration()

	enablePprof := app.Flag(DebugPprofFlag, "Enable pprof debug endpoints on the metrics server").Default("false").Bool()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}
		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		if flagsSet[MonitorPIDFlag] {
			cfg.Monitor.PID = *monitorPID
		}
		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *monitorInterval
		}

		if flagsSet[TraceEnabledFlag] {
			cfg.Trace.Enabled = traceEnabled
		}
		if flagsSet[TraceDirFlag] {
			cfg.Trace.Dir = *traceDir
		}
		if flagsSet[TraceFlushIntervalFlag] {
			cfg.Trace.FlushInterval = *traceFlushInterval
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutEnabled
		}
		if flagsSet[ExporterStdoutIntervalFlag] {
			cfg.Exporter.Stdout.Interval = *stdoutInterval
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusEnabled
		}
		if flagsSet[ExporterPrometheusListenFlag] {
			cfg.Exporter.Prometheus.ListenAddress = *prometheusListen
		}
		if flagsSet[ExporterPrometheusWebCfgFlag] {
			cfg.Exporter.Prometheus.WebConfigFile = *prometheusWebCfg
		}

		if flagsSet[DevFakeCpuMeterFlag] {
			cfg.Dev.FakeCpuMeter.Enabled = fakeCpuMeter
		}

		if flagsSet[PlatformRedfishEnabledFlag] {
			cfg.Platform.Redfish.Enabled = redfishEnabled
		}
		if flagsSet[PlatformRedfishEndpointFlag] {
			cfg.Platform.Redfish.Endpoint = *redfishEndpoint
		}
		if flagsSet[PlatformRedfishUsernameFlag] {
			cfg.Platform.Redfish.Username = *redfishUsername
		}
		if flagsSet[PlatformRedfishPasswordFlag] {
			cfg.Platform.Redfish.Password = *redfishPassword
		}
		if flagsSet[PlatformRedfishInsecureFlag] {
			cfg.Platform.Redfish.Insecure = redfishInsecure
		}
		if flagsSet[PlatformRedfishHTTPTimeoutFlag] {
			cfg.Platform.Redfish.HTTPTimeout = *redfishHTTPTimeout
		}

		if flagsSet[DebugPprofFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Trace.Dir = strings.TrimSpace(c.Trace.Dir)
	c.Exporter.Prometheus.ListenAddress = strings.TrimSpace(c.Exporter.Prometheus.ListenAddress)
	c.Exporter.Prometheus.WebConfigFile = strings.TrimSpace(c.Exporter.Prometheus.WebConfigFile)

	for i := range c.Rapl.ExcludedZones {
		c.Rapl.ExcludedZones[i] = strings.TrimSpace(c.Rapl.ExcludedZones[i])
	}
	for i := range c.Dev.FakeCpuMeter.Zones {
		c.Dev.FakeCpuMeter.Zones[i] = strings.TrimSpace(c.Dev.FakeCpuMeter.Zones[i])
	}

	c.Platform.Redfish.Endpoint = strings.TrimSpace(c.Platform.Redfish.Endpoint)
	c.Platform.Redfish.Username = strings.TrimSpace(c.Platform.Redfish.Username)
}

// SkipValidation names a validation that Validate should skip
type SkipValidation string

const (
	// SkipHostValidation skips sysfs/procfs readability checks, used by
	// tests running against fake paths
	SkipHostValidation SkipValidation = "host"
)

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}

	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // host paths
		if !validationSkipped[SkipHostValidation] {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s", c.Host.SysFS, err.Error()))
			}
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // monitor
		if c.Monitor.PID < 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor pid: %d can't be negative", c.Monitor.PID))
		}
		if c.Monitor.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor interval: %s must be positive", c.Monitor.Interval))
		}
	}
	{ // trace
		if ptr.Deref(c.Trace.Enabled, false) && c.Trace.Dir == "" {
			errs = append(errs, fmt.Sprintf("%s not supplied but %s set to true", TraceDirFlag, TraceEnabledFlag))
		}
		if c.Trace.FlushInterval < 0 {
			errs = append(errs, fmt.Sprintf("invalid trace flush interval: %s can't be negative", c.Trace.FlushInterval))
		}
	}
	{ // exporters
		if c.Exporter.Stdout.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid stdout interval: %s must be positive", c.Exporter.Stdout.Interval))
		}
		if ptr.Deref(c.Exporter.Prometheus.Enabled, false) {
			if err := validateListenAddress(c.Exporter.Prometheus.ListenAddress); err != nil {
				errs = append(errs, fmt.Sprintf("invalid prometheus listen address %q: %s", c.Exporter.Prometheus.ListenAddress, err.Error()))
			}
			if f := c.Exporter.Prometheus.WebConfigFile; f != "" {
				if err := canReadFile(f); err != nil {
					errs = append(errs, fmt.Sprintf("invalid prometheus web config file: %s: %s", f, err.Error()))
				}
			}
		}
	}
	{ // platform
		if ptr.Deref(c.Platform.Redfish.Enabled, false) {
			if c.Platform.Redfish.Endpoint == "" {
				errs = append(errs, fmt.Sprintf("%s not supplied but %s set to true", PlatformRedfishEndpointFlag, PlatformRedfishEnabledFlag))
			}
			if c.Platform.Redfish.HTTPTimeout <= 0 {
				errs = append(errs, "redfish http timeout must be positive")
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	if err != nil {
		return err
	}

	return nil
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	if _, err = f.Read(buf); err != nil {
		return err
	}

	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		// should not happen; yaml.Marshal of a plain struct can't fail
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(bytes)
}
