// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	name string
}

func (m *mockService) Name() string { return m.name }

type mockRunner struct {
	mockService
	runFn func(ctx context.Context) error
}

func (m *mockRunner) Run(ctx context.Context) error { return m.runFn(ctx) }

type mockFullService struct {
	mockRunner
	initFn     func() error
	shutdowns  int
	initCalled bool
}

func (m *mockFullService) Init() error {
	m.initCalled = true
	if m.initFn != nil {
		return m.initFn()
	}
	return nil
}

func (m *mockFullService) Shutdown() error {
	m.shutdowns++
	return nil
}

func TestInit(t *testing.T) {
	t.Run("all services initialize", func(t *testing.T) {
		svc1 := &mockFullService{mockRunner: mockRunner{mockService: mockService{name: "svc1"}}}
		svc2 := &mockFullService{mockRunner: mockRunner{mockService: mockService{name: "svc2"}}}

		err := Init(nil, []Service{svc1, svc2, &mockService{name: "plain"}})
		require.NoError(t, err)
		assert.True(t, svc1.initCalled)
		assert.True(t, svc2.initCalled)
	})

	t.Run("failure unwinds earlier services", func(t *testing.T) {
		svc1 := &mockFullService{mockRunner: mockRunner{mockService: mockService{name: "svc1"}}}
		svc2 := &mockFullService{
			mockRunner: mockRunner{mockService: mockService{name: "svc2"}},
			initFn:     func() error { return errors.New("init failed") },
		}
		svc3 := &mockFullService{mockRunner: mockRunner{mockService: mockService{name: "svc3"}}}

		err := Init(nil, []Service{svc1, svc2, svc3})
		require.Error(t, err)
		assert.Equal(t, 1, svc1.shutdowns)
		assert.Equal(t, 0, svc2.shutdowns)
		assert.False(t, svc3.initCalled)
	})
}

func TestRun(t *testing.T) {
	t.Run("cancel stops all services", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		svc := &mockRunner{
			mockService: mockService{name: "svc"},
			runFn: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
		}

		errCh := make(chan error, 1)
		go func() { errCh <- Run(ctx, nil, []Service{svc, &mockService{name: "plain"}}) }()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancellation")
		}
	})

	t.Run("failing service takes the group down", func(t *testing.T) {
		runErr := errors.New("run error")
		failing := &mockFullService{
			mockRunner: mockRunner{
				mockService: mockService{name: "failing"},
				runFn:       func(ctx context.Context) error { return runErr },
			},
		}
		blocking := &mockFullService{
			mockRunner: mockRunner{
				mockService: mockService{name: "blocking"},
				runFn: func(ctx context.Context) error {
					<-ctx.Done()
					return nil
				},
			},
		}

		err := Run(context.Background(), nil, []Service{failing, blocking})
		require.Error(t, err)
		assert.ErrorIs(t, err, runErr)
		assert.Equal(t, 1, failing.shutdowns)
		assert.Equal(t, 1, blocking.shutdowns)
	})
}
