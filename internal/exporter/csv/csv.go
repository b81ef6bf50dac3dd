// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package csv

import (
	stdcsv "encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jszwec/csvutil"

	"github.com/jouletrace/jouletrace/internal/domain"
	"github.com/jouletrace/jouletrace/internal/meter"
	"github.com/jouletrace/jouletrace/internal/service"
)

type (
	Initializer = service.Initializer
	Shutdowner  = service.Shutdowner
)

// Sink writes sample batches to one CSV file per domain under a trace
// directory. Files are created lazily on the first batch of a domain and
// headers are emitted once per file.
type Sink struct {
	logger *slog.Logger
	dir    string

	mu    sync.Mutex
	files map[string]*traceFile
}

type traceFile struct {
	f   *os.File
	w   *stdcsv.Writer
	enc *csvutil.Encoder
}

var (
	_ Initializer     = (*Sink)(nil)
	_ Shutdowner      = (*Sink)(nil)
	_ meter.TraceSink = (*Sink)(nil)
)

type OptionFn func(*Sink)

// WithLogger sets the logger for the sink
func WithLogger(logger *slog.Logger) OptionFn {
	return func(s *Sink) {
		s.logger = logger.With("service", s.Name())
	}
}

func NewSink(dir string, applyOpts ...OptionFn) *Sink {
	s := &Sink{
		logger: slog.Default().With("service", "csv-trace"),
		dir:    dir,
		files:  make(map[string]*traceFile),
	}
	for _, apply := range applyOpts {
		apply(s)
	}
	return s
}

func (s *Sink) Name() string {
	return "csv-trace"
}

func (s *Sink) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create trace directory %s: %w", s.dir, err)
	}
	s.logger.Info("Writing traces", "dir", s.dir)
	return nil
}

// WriteBatch appends one domain's batch to its trace file. The batch is
// either fully written and synced to the writer or reported as failed so
// the caller can retry it.
func (s *Sink) WriteBatch(name string, records []domain.SampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.fileFor(name)
	if err != nil {
		return err
	}

	for i := range records {
		if err := tf.enc.Encode(records[i]); err != nil {
			return fmt.Errorf("failed to encode sample for %s: %w", name, err)
		}
	}
	tf.w.Flush()
	if err := tf.w.Error(); err != nil {
		return fmt.Errorf("failed to write trace for %s: %w", name, err)
	}
	return nil
}

func (s *Sink) fileFor(name string) (*traceFile, error) {
	if tf, ok := s.files[name]; ok {
		return tf, nil
	}

	path := filepath.Join(s.dir, sanitizeName(name)+".csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file %s: %w", path, err)
	}

	w := stdcsv.NewWriter(f)
	tf := &traceFile{
		f:   f,
		w:   w,
		enc: csvutil.NewEncoder(w),
	}
	s.files[name] = tf
	return tf, nil
}

// sanitizeName keeps domain names filesystem-safe
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', ' ':
			return '-'
		}
		return r
	}, name)
}

func (s *Sink) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retErr error
	for name, tf := range s.files {
		tf.w.Flush()
		if err := tf.f.Close(); err != nil {
			s.logger.Warn("Failed to close trace file", "domain", name, "error", err)
			retErr = err
		}
	}
	s.files = make(map[string]*traceFile)
	return retErr
}
