// Package checkpoint keeps the durable result set of a run. Results are
// appended in memory and flushed to the output file with an atomic replace, so
// a crash loses at most the results appended since the last flush.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
	"github.com/JakeFAU/pdp-extractor/internal/tabular"
)

// ErrDuplicateResult is returned by Append for a task that already has a result.
var ErrDuplicateResult = errors.New("result already checkpointed")

// Batch is what a flush hands to each Mirror.
type Batch struct {
	// Path is the output file that was just written.
	Path   string
	Fields []string
	// Results is the full persisted set in append order.
	Results []crawler.Result
	// Added holds the results first persisted by this flush.
	Added []crawler.Result
}

// Mirror copies flushed results to a secondary destination. Mirror failures
// are logged and never fail the flush.
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, batch Batch) error
}

// Config controls a Store.
type Config struct {
	Path   string
	Fields []string
	// Codec overrides the codec picked from the file extension.
	Codec    crawler.ResultCodec
	Mirrors  []Mirror
	Logger   *zap.Logger
	Reporter *progress.Reporter
}

// Store is the checkpoint store. All methods are safe for concurrent use.
type Store struct {
	path     string
	fields   []string
	codec    crawler.ResultCodec
	mirrors  []Mirror
	logger   *zap.Logger
	reporter *progress.Reporter

	mu         sync.Mutex
	set        crawler.CheckpointSet
	flushed    int
	sinceFlush int

	flushMu sync.Mutex
}

// New builds a Store writing to cfg.Path.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	codec := cfg.Codec
	if codec == nil {
		format, err := tabular.ForPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("checkpoint codec: %w", err)
		}
		codec = tabular.Results{Format: format}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:     cfg.Path,
		fields:   append([]string(nil), cfg.Fields...),
		codec:    codec,
		mirrors:  cfg.Mirrors,
		logger:   logger.Named("checkpoint"),
		reporter: cfg.Reporter,
		set:      crawler.NewCheckpointSet(nil),
	}, nil
}

// Path returns the output file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the output file into the store. A missing or unreadable file
// yields an empty set and a warning; Load never fails.
func (s *Store) Load(_ context.Context) crawler.CheckpointSet {
	results, err := s.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("no checkpoint found, starting fresh", zap.String("path", s.path))
	case err != nil:
		s.logger.Warn("checkpoint unreadable, starting fresh", zap.String("path", s.path), zap.Error(err))
		results = nil
	}
	set := crawler.NewCheckpointSet(results)
	if dropped := len(results) - set.Len(); dropped > 0 {
		s.logger.Warn("collapsed duplicate checkpoint rows", zap.Int("dropped", dropped))
	}
	s.mu.Lock()
	s.set = set
	s.flushed = set.Len()
	s.sinceFlush = 0
	s.mu.Unlock()

	s.logger.Info("checkpoint loaded", zap.String("path", s.path), zap.Int("results", set.Len()))
	return s.Snapshot()
}

func (s *Store) read() ([]crawler.Result, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	results, err := s.codec.DecodeResults(f)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return results, nil
}

// Pending returns the tasks without a checkpointed result, in input order.
func (s *Store) Pending(tasks []crawler.Task) []crawler.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]crawler.Task, 0, len(tasks))
	for _, t := range tasks {
		if !s.set.Contains(t.ID) {
			pending = append(pending, t)
		}
	}
	return pending
}

// Append adds r to the in-memory set.
func (s *Store) Append(r crawler.Result) error {
	if r.TaskID == "" {
		return errors.New("result has no task id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set.Contains(r.TaskID) {
		return fmt.Errorf("%w: %s", ErrDuplicateResult, r.TaskID)
	}
	s.set.IDs[r.TaskID] = struct{}{}
	s.set.Results = append(s.set.Results, r)
	s.sinceFlush++
	return nil
}

// SinceFlush returns how many results were appended after the last flush.
func (s *Store) SinceFlush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinceFlush
}

// Len returns the number of results held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Len()
}

// Snapshot returns a copy of the current set.
func (s *Store) Snapshot() crawler.CheckpointSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() crawler.CheckpointSet {
	ids := make(map[string]struct{}, len(s.set.IDs))
	for id := range s.set.IDs {
		ids[id] = struct{}{}
	}
	return crawler.CheckpointSet{
		IDs:     ids,
		Results: append([]crawler.Result(nil), s.set.Results...),
	}
}

// Flush overwrites the output file with the full set, then runs the mirrors.
// It is a no-op when nothing was appended since the last flush.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.sinceFlush == 0 {
		s.mu.Unlock()
		return nil
	}
	snap := s.snapshotLocked()
	previouslyFlushed := s.flushed
	pendingCount := s.sinceFlush
	s.mu.Unlock()

	start := time.Now()
	if err := writeFileAtomic(s.path, func(f *os.File) error {
		return s.codec.EncodeResults(f, s.fields, snap.Results)
	}); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}

	s.mu.Lock()
	s.flushed = len(snap.Results)
	s.sinceFlush -= pendingCount
	s.mu.Unlock()

	s.logger.Debug("checkpoint flushed",
		zap.String("path", s.path),
		zap.Int("results", len(snap.Results)),
		zap.Int("added", len(snap.Results)-previouslyFlushed),
		zap.Duration("duration", time.Since(start)),
	)
	s.reporter.Report(progress.Event{
		Stage: progress.StageCheckpointFlush,
		Count: int64(len(snap.Results)),
		Dur:   time.Since(start),
	})

	batch := Batch{
		Path:    s.path,
		Fields:  s.fields,
		Results: snap.Results,
		Added:   snap.Results[previouslyFlushed:],
	}
	for _, m := range s.mirrors {
		if err := m.Mirror(ctx, batch); err != nil {
			s.logger.Warn("checkpoint mirror failed", zap.String("mirror", m.Name()), zap.Error(err))
		}
	}
	return nil
}
