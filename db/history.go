package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// History limits for GET /api/v1/history.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// insertTimeout bounds a single background insert.
const insertTimeout = 5 * time.Second

// HistoryStore records generation attempts and lists recent ones.
type HistoryStore interface {
	Record(g Generation)
	Recent(ctx context.Context, limit int) ([]Generation, error)
}

// History is the SQLite-backed HistoryStore. Record never blocks.
type History struct {
	db     *Database
	repo   *Repository
	writer *AsyncWriter[Generation]
	logger *zap.Logger
	drain  time.Duration
}

// OpenHistory opens (and migrates) the database at path, prunes rows older
// than retention when retention is positive and starts the background
// writer.
func OpenHistory(path string, retention time.Duration, logger *zap.Logger) (*History, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}
	logger = logger.Named("history")

	if retention > 0 {
		n, err := database.Prune(context.Background(), time.Now().Add(-retention))
		if err != nil {
			logger.Warn("history pruning failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned old history", zap.Int64("deleted", n))
		}
	}

	repo := NewRepository(database)
	h := &History{db: database, repo: repo, logger: logger, drain: 10 * time.Second}
	h.writer = NewAsyncWriter(DefaultQueueCapacity,
		func(g Generation) error {
			ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
			defer cancel()
			return repo.Insert(ctx, g)
		},
		func(g Generation, err error) {
			logger.Warn("failed to record generation", zap.String("id", g.ID), zap.Error(err))
		},
	)
	h.writer.Start()

	logger.Info("history enabled", zap.String("path", path))
	return h, nil
}

// Record queues g, assigning an id and timestamp if missing.
func (h *History) Record(g Generation) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if !h.writer.Write(g) {
		h.logger.Warn("history queue full, dropping record", zap.String("id", g.ID))
	}
}

// Recent returns up to limit records, newest first. limit is clamped to
// [1, MaxHistoryLimit]; zero or negative means DefaultHistoryLimit.
func (h *History) Recent(ctx context.Context, limit int) ([]Generation, error) {
	return h.repo.Recent(ctx, ClampLimit(limit))
}

// Shutdown drains queued records and closes the database.
func (h *History) Shutdown() error {
	var errs []error
	if !h.writer.Stop(h.drain) {
		errs = append(errs, errors.New("history writer did not drain in time"))
	}
	if err := h.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClampLimit applies the history limit rules.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// NopHistory is used when history is disabled.
type NopHistory struct{}

// Record discards g.
func (NopHistory) Record(Generation) {}

// Recent always returns an empty list.
func (NopHistory) Recent(context.Context, int) ([]Generation, error) {
	return []Generation{}, nil
}
