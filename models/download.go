package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// partSuffix marks an incomplete download next to its destination.
const partSuffix = ".part"

// progressEvery throttles progress callbacks.
const progressEvery = 1 << 20

// DownloadResult describes a finished download.
type DownloadResult struct {
	Path string
	// Bytes is what this call transferred; Size is the final file size.
	Bytes   int64
	Size    int64
	Resumed bool
	// Verified is true when a checksum was supplied and matched.
	Verified bool
}

// HTTPStatusError is a non-success download response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Temporary reports whether retrying could help.
func (e *HTTPStatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// downloader fetches one URL into dest. Bytes land in dest+".part" and the
// file is renamed into place only after the checksum (if any) matches.
type downloader struct {
	client     *http.Client
	onProgress func(Progress)
	now        func() time.Time
}

func (d *downloader) download(ctx context.Context, url, dest, sha string) (*DownloadResult, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", dest, err)
	}
	part := dest + partSuffix

	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	res, err := d.fetch(ctx, url, part, offset)
	if err != nil {
		return nil, err
	}

	if sha != "" {
		actual, err := ComputeSHA256(part)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(actual, sha) {
			// A corrupt partial must not be resumed next time.
			_ = os.Remove(part)
			return nil, &ChecksumError{Path: dest, Expected: strings.ToLower(sha), Actual: actual}
		}
		res.Verified = true
	}

	if err := os.Rename(part, dest); err != nil {
		return nil, fmt.Errorf("move %s into place: %w", dest, err)
	}
	res.Path = dest
	return res, nil
}

func (d *downloader) fetch(ctx context.Context, url, part string, offset int64) (*DownloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", rangeFrom(offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	total := resp.ContentLength
	resumed := false

	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0
	case http.StatusPartialContent:
		start, size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != offset {
			return nil, fmt.Errorf("GET %s: server resumed at an unexpected offset (%q)", url, resp.Header.Get("Content-Range"))
		}
		flags = os.O_WRONLY | os.O_APPEND
		resumed = true
		total = size
		if total <= 0 && resp.ContentLength > 0 {
			total = offset + resp.ContentLength
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial file already holds everything.
		if offset > 0 {
			return &DownloadResult{Size: offset, Resumed: true}, nil
		}
		fallthrough
	default:
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", part, err)
	}
	defer f.Close()

	tracker := newProgressTracker(max(total, 0), offset, d.now)
	body := &progressReader{r: resp.Body, tracker: tracker, onProgress: d.onProgress}
	n, err := io.Copy(f, body)
	if err != nil {
		return nil, fmt.Errorf("download %s interrupted after %d bytes: %w", url, offset+n, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync %s: %w", part, err)
	}
	if d.onProgress != nil {
		d.onProgress(tracker.snapshot())
	}
	if total > 0 && offset+n != total {
		return nil, fmt.Errorf("download %s: got %d of %d bytes", url, offset+n, total)
	}
	return &DownloadResult{Bytes: n, Size: offset + n, Resumed: resumed}, nil
}

type progressReader struct {
	r          io.Reader
	tracker    *progressTracker
	onProgress func(Progress)
	sinceLast  int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.tracker.add(int64(n))
		p.sinceLast += int64(n)
		if p.onProgress != nil && p.sinceLast >= progressEvery {
			p.onProgress(p.tracker.snapshot())
			p.sinceLast = 0
		}
	}
	return n, err
}

func rangeFrom(offset int64) string {
	return "bytes=" + strconv.FormatInt(max(offset, 0), 10) + "-"
}

// parseContentRange reads "bytes start-end/total"; total is -1 for "*".
func parseContentRange(header string) (start, total int64, err error) {
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	rng, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range %q: %w", header, err)
	}
	if size == "*" {
		return start, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range %q: %w", header, err)
	}
	return start, total, nil
}

// retryable reports whether a failed attempt is worth repeating.
func retryable(err error) bool {
	var checksum *ChecksumError
	var status *HTTPStatusError
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &checksum):
		return false
	case errors.As(err, &status):
		return status.Temporary()
	default:
		return true
	}
}
