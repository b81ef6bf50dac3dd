// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is the minimal contract every service satisfies
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that need setup before running
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that run in the background. Run is
// expected to block until ctx is canceled.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources to release
type Shutdowner interface {
	Service
	Shutdown() error
}
