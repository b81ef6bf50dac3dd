// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New("info", "json", &buf)
	log.Info("hello", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", "text", &buf)

	log.Info("ignored")
	assert.Empty(t, buf.String())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.Equal(t, slog.LevelWarn, LogLevel())
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	New("bogus", "text", &buf)
	assert.Equal(t, slog.LevelInfo, LogLevel())
}

func TestInvalidFormatPanics(t *testing.T) {
	assert.Panics(t, func() {
		New("info", "yaml", &bytes.Buffer{})
	})
}

func TestShortPath(t *testing.T) {
	assert.Equal(t, "internal/logger/logger.go", shortPath("/home/user/src/internal/logger/logger.go"))
	assert.Equal(t, "logger.go", shortPath("logger.go"))
}
