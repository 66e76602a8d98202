package models

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zimage_gateway/core"
	"zimage_gateway/logging"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// State is the condition of one model file.
type State string

const (
	StateMissing  State = "missing"
	StatePresent  State = "present"
	StateVerified State = "verified"
	StateMismatch State = "mismatch"
	StateFailed   State = "failed"
)

// Status reports one entry after Status, Verify or Fetch.
type Status struct {
	Entry Entry
	Path  string
	State State
	Size  int64
	Err   error
}

// ErrNoSource means a file is missing and the manifest has no URL for it.
var ErrNoSource = errors.New("no download URL in manifest")

// DownloadError carries enough context for a manual download.
type DownloadError struct {
	Name     string
	URL      string
	Path     string
	SHA256   string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v; add a url for %s to the models manifest", e.Name, e.Err, e.Path)
	}
	msg := fmt.Sprintf("%s: download failed after %d attempt(s): %v\n  manual download: %s\n  save to: %s",
		e.Name, e.Attempts, e.Err, e.URL, e.Path)
	if e.SHA256 != "" {
		msg += "\n  expected SHA256: " + e.SHA256
	}
	return msg
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Manager operates on the resolved set of model files.
type Manager struct {
	modelsDir     string
	entries       []Entry
	logger        *logging.Logger
	client        *http.Client
	maxAttempts   int
	retryDelay    time.Duration
	bufferPercent int
	diskFree      func(string) (int64, error)
	onProgress    func(Entry, Progress)
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the download client. The default has no overall
// timeout; cancellation comes from the context.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithRetries sets the attempt count and the first backoff delay, which
// doubles on each retry.
func WithRetries(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.maxAttempts = attempts
		}
		if delay >= 0 {
			m.retryDelay = delay
		}
	}
}

// WithProgress receives throttled progress for each download.
func WithProgress(fn func(Entry, Progress)) Option {
	return func(m *Manager) {
		m.onProgress = fn
	}
}

// WithDiskFree replaces the free-space query.
func WithDiskFree(fn func(string) (int64, error)) Option {
	return func(m *Manager) {
		m.diskFree = fn
	}
}

// NewManager resolves cfg's required files against manifest.
func NewManager(cfg core.BackendConfig, manifest *Manifest, logger *logging.Logger, opts ...Option) *Manager {
	if manifest == nil {
		manifest = &Manifest{}
	}
	m := &Manager{
		modelsDir:     cfg.ModelsDir,
		entries:       Resolve(cfg, manifest),
		logger:        logger,
		client:        &http.Client{},
		maxAttempts:   3,
		retryDelay:    2 * time.Second,
		bufferPercent: core.DefaultBufferPercent,
		diskFree:      core.DiskFree,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entries returns the resolved entries, required files first.
func (m *Manager) Entries() []Entry {
	return m.entries
}

// PathOf returns the absolute location of e.
func (m *Manager) PathOf(e Entry) string {
	if filepath.IsAbs(e.Path) {
		return e.Path
	}
	return filepath.Join(m.modelsDir, filepath.FromSlash(e.Path))
}

// Status reports presence without reading file contents. Empty files count
// as missing.
func (m *Manager) Status() []Status {
	return lo.Map(m.entries, func(e Entry, _ int) Status {
		return m.stat(e)
	})
}

func (m *Manager) stat(e Entry) Status {
	st := Status{Entry: e, Path: m.PathOf(e), State: StateMissing}
	info, err := os.Stat(st.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		st.State, st.Err = StateFailed, err
	case info.IsDir():
		st.State, st.Err = StateFailed, fmt.Errorf("%s is a directory", st.Path)
	case info.Size() > 0:
		st.State, st.Size = StatePresent, info.Size()
	}
	return st
}

// Verify hashes every present file that has a manifest checksum. Files
// without one stay StatePresent.
func (m *Manager) Verify(ctx context.Context) []Status {
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		st := m.stat(e)
		if st.State == StatePresent && e.SHA256 != "" {
			if err := ctx.Err(); err != nil {
				st.State, st.Err = StateFailed, err
			} else {
				m.verify(&st)
			}
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) verify(st *Status) {
	m.logger.Info("verifying model", zap.String("model", st.Entry.Name), zap.String("path", st.Path))
	actual, err := ComputeSHA256(st.Path)
	switch {
	case err != nil:
		st.State, st.Err = StateFailed, err
	case strings.EqualFold(actual, st.Entry.SHA256):
		st.State = StateVerified
	default:
		st.State = StateMismatch
		st.Err = &ChecksumError{Path: st.Path, Expected: strings.ToLower(st.Entry.SHA256), Actual: actual}
	}
}

// Fetch downloads every missing entry. Present files are left alone. The
// returned error joins one *DownloadError per file that could not be
// provisioned.
func (m *Manager) Fetch(ctx context.Context) ([]Status, error) {
	statuses := m.Status()

	missing := lo.Filter(statuses, func(st Status, _ int) bool { return st.State == StateMissing })
	need := lo.SumBy(missing, func(st Status) int64 { return st.Entry.Size })
	if err := core.CheckDiskSpaceWith(m.diskFree, m.modelsDir, need, m.bufferPercent); err != nil {
		return statuses, err
	}

	dl := &downloader{client: m.client, now: m.now}
	var errs []error
	for i := range statuses {
		st := &statuses[i]
		if st.State != StateMissing {
			continue
		}
		if st.Entry.URL == "" {
			st.State = StateFailed
			st.Err = &DownloadError{Name: st.Entry.Name, Path: st.Path, Err: ErrNoSource}
			errs = append(errs, st.Err)
			continue
		}

		if m.onProgress != nil {
			entry := st.Entry
			dl.onProgress = func(p Progress) { m.onProgress(entry, p) }
		}
		res, err := m.fetchWithRetry(ctx, dl, st)
		if err != nil {
			st.State, st.Err = StateFailed, err
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		st.Size = res.Size
		st.State = lo.Ternary(res.Verified, StateVerified, StatePresent)
	}
	return statuses, errors.Join(errs...)
}

func (m *Manager) fetchWithRetry(ctx context.Context, dl *downloader, st *Status) (*DownloadResult, error) {
	e := st.Entry
	var lastErr error
	attempt := 0
	for attempt < m.maxAttempts {
		attempt++
		if attempt > 1 {
			delay := m.retryDelay << (attempt - 2)
			m.logger.Warn("retrying model download",
				zap.String("model", e.Name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		m.logger.Info("downloading model", zap.String("model", e.Name), zap.String("url", e.URL), zap.String("path", st.Path))
		res, err := dl.download(ctx, e.URL, st.Path, e.SHA256)
		if err == nil {
			m.logger.Info("model downloaded",
				zap.String("model", e.Name),
				zap.String("size", core.FormatBytes(res.Size)),
				zap.Bool("resumed", res.Resumed),
				zap.Bool("verified", res.Verified))
			return res, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, &DownloadError{Name: e.Name, URL: e.URL, Path: st.Path, SHA256: e.SHA256, Attempts: attempt, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
