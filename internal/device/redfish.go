// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stmcginnis/gofish"
)

// RedfishReader reads chassis power draw from a BMC through the Redfish
// protocol. It exposes power only; energy is derived by integration.
type RedfishReader struct {
	logger *slog.Logger
	cfg    gofish.ClientConfig
	client *gofish.APIClient
}

type RedfishOptFn func(*RedfishReader)

// WithRedfishLogger sets the logger for the reader
func WithRedfishLogger(l *slog.Logger) RedfishOptFn {
	return func(r *RedfishReader) {
		r.logger = l.With("reader", r.Name())
	}
}

// WithRedfishHTTPTimeout bounds each BMC request
func WithRedfishHTTPTimeout(d time.Duration) RedfishOptFn {
	return func(r *RedfishReader) {
		r.cfg.HTTPClient = &http.Client{Timeout: d}
	}
}

// WithRedfishInsecure skips TLS verification; BMCs commonly ship
// self-signed certificates
func WithRedfishInsecure(insecure bool) RedfishOptFn {
	return func(r *RedfishReader) {
		r.cfg.Insecure = insecure
	}
}

func NewRedfishReader(endpoint, username, password string, applyOpts ...RedfishOptFn) *RedfishReader {
	reader := &RedfishReader{
		logger: slog.Default().With("reader", "redfish"),
		cfg: gofish.ClientConfig{
			Endpoint:   endpoint,
			Username:   username,
			Password:   password,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		},
	}
	for _, apply := range applyOpts {
		apply(reader)
	}
	return reader
}

func (r *RedfishReader) Name() string {
	return "redfish"
}

// Init connects to the BMC and verifies that a chassis reports power
func (r *RedfishReader) Init() error {
	client, err := gofish.Connect(r.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to BMC at %s: %w", r.cfg.Endpoint, err)
	}
	r.client = client

	if _, err := r.Power(); err != nil {
		r.Close()
		return fmt.Errorf("BMC at %s reports no usable power reading: %w", r.cfg.Endpoint, err)
	}
	return nil
}

// Power returns the chassis power draw reported by the BMC. When several
// chassis exist the first one with a power reading wins.
func (r *RedfishReader) Power() (Power, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redfish reader not initialized")
	}

	chassis, err := r.client.Service.Chassis()
	if err != nil {
		return 0, fmt.Errorf("failed to list chassis: %w", err)
	}

	for _, ch := range chassis {
		pwr, err := ch.Power()
		if err != nil || pwr == nil {
			continue
		}
		for _, pc := range pwr.PowerControl {
			if pc.PowerConsumedWatts > 0 {
				return Power(pc.PowerConsumedWatts) * Watt, nil
			}
		}
	}
	return 0, fmt.Errorf("no chassis reports power consumption")
}

func (r *RedfishReader) Close() {
	if r.client != nil {
		r.client.Logout()
		r.client = nil
	}
}
