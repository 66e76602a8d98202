package db

import (
	"context"
	"fmt"
	"time"
)

// Generation is one row of the generations table.
type Generation struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id,omitempty"`
	Kind           string    `json:"kind"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Steps          int       `json:"steps"`
	CFGScale       float64   `json:"cfg_scale"`
	Seed           int64     `json:"seed"`
	BatchSize      int       `json:"batch_size"`
	ImageCount     int       `json:"image_count"`
	StatusCode     int       `json:"status_code"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Repository runs queries against the generations table.
type Repository struct {
	db *Database
}

// NewRepository returns a repository over db.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db}
}

// Insert writes g synchronously.
func (r *Repository) Insert(ctx context.Context, g Generation) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO generations (
			id, request_id, kind, prompt, negative_prompt,
			width, height, steps, cfg_scale, seed, batch_size,
			image_count, status_code, error_detail, duration_ms, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.RequestID, g.Kind, g.Prompt, g.NegativePrompt,
		g.Width, g.Height, g.Steps, g.CFGScale, g.Seed, g.BatchSize,
		g.ImageCount, g.StatusCode, g.ErrorDetail, g.DurationMS, g.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation %s: %w", g.ID, err)
	}
	return nil
}

// Recent returns up to limit generations, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]Generation, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT id, request_id, kind, prompt, negative_prompt,
		       width, height, steps, cfg_scale, seed, batch_size,
		       image_count, status_code, error_detail, duration_ms, created_at_ms
		FROM generations
		ORDER BY created_at_ms DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	out := make([]Generation, 0, limit)
	for rows.Next() {
		var (
			g         Generation
			createdMS int64
		)
		if err := rows.Scan(
			&g.ID, &g.RequestID, &g.Kind, &g.Prompt, &g.NegativePrompt,
			&g.Width, &g.Height, &g.Steps, &g.CFGScale, &g.Seed, &g.BatchSize,
			&g.ImageCount, &g.StatusCode, &g.ErrorDetail, &g.DurationMS, &createdMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		g.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

// Count returns the number of stored generations.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count generations: %w", err)
	}
	return n, nil
}
