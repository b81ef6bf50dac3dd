// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Init initializes every service that implements Initializer, in order.
// If one fails, the services initialized so far are shut down in reverse
// and the failure is returned.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	initialized := make([]Service, 0, len(services))
	var initErr error
	for _, s := range services {
		init, ok := s.(Initializer)
		if !ok {
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := init.Init(); err != nil {
			initErr = fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
			break
		}
		initialized = append(initialized, s)
	}

	if initErr == nil {
		return nil
	}

	logger.Info("Unwinding initialized services")
	for i := len(initialized) - 1; i >= 0; i-- {
		shutdowner, ok := initialized[i].(Shutdowner)
		if !ok {
			continue
		}
		if err := shutdowner.Shutdown(); err != nil {
			logger.Error("Failed to shutdown service",
				"service", initialized[i].Name(), "error", err)
		}
	}
	return initErr
}

// Run runs every service that implements Runner until one of them returns
// or the outer context is canceled; then the whole group unwinds and each
// terminated service that implements Shutdowner is shut down.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("Skipping non-runner service", "service", s.Name())
			continue
		}

		svc := s
		r := runner
		g.Add(
			func() error {
				logger.Info("Running service", "service", svc.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("Service terminated", "service", svc.Name(), "reason", err)
				}

				shutdowner, ok := svc.(Shutdowner)
				if !ok {
					return
				}
				logger.Info("Shutting down service", "service", svc.Name())
				if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
					logger.Warn("Service shutdown failed",
						"service", svc.Name(), "error", shutdownErr)
				}
			},
		)
	}

	return g.Run()
}
