package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GPUReader returns one sample per device.
type GPUReader interface {
	ReadGPUs(ctx context.Context) ([]GPUMetrics, error)
}

const smiQuery = "--query-gpu=index,name,utilization.gpu,temperature.gpu,memory.used,memory.total"

// SMIReader samples GPUs through nvidia-smi.
type SMIReader struct {
	// Path defaults to "nvidia-smi" on PATH.
	Path    string
	Timeout time.Duration
}

func (r SMIReader) ReadGPUs(ctx context.Context) ([]GPUMetrics, error) {
	path := r.Path
	if path == "" {
		path = "nvidia-smi"
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, smiQuery, "--format=csv,noheader,nounits")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseSMI(stdout.String())
}

// parseSMI reads smiQuery CSV output, one line per GPU. Memory arrives in MiB.
func parseSMI(output string) ([]GPUMetrics, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, fmt.Errorf("empty nvidia-smi output")
	}

	r := csv.NewReader(strings.NewReader(output))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse nvidia-smi output: %w", err)
	}

	const mib = 1024 * 1024
	gpus := make([]GPUMetrics, 0, len(records))
	for _, rec := range records {
		if len(rec) != 6 {
			return nil, fmt.Errorf("unexpected field count: got %d, want 6", len(rec))
		}
		var nums [5]float64
		for i, field := range []string{rec[0], rec[2], rec[3], rec[4], rec[5]} {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("parse nvidia-smi field %q: %w", field, err)
			}
			nums[i] = v
		}
		total, used := int64(nums[4]*mib), int64(nums[3]*mib)
		gpus = append(gpus, GPUMetrics{
			Index:       int(nums[0]),
			Name:        strings.TrimSpace(rec[1]),
			Utilization: nums[1],
			Temperature: nums[2],
			MemoryUsed:  used,
			MemoryTotal: total,
			MemoryFree:  total - used,
		})
	}
	return gpus, nil
}

// GPUCollector samples GPUs on an interval and hands each successful sample
// to onSample.
type GPUCollector struct {
	reader   GPUReader
	interval time.Duration
	logger   *zap.Logger
	onSample func([]GPUMetrics)

	mu        sync.RWMutex
	available bool
	lastErr   error

	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewGPUCollector returns a stopped collector. Intervals under a second are
// raised to one second.
func NewGPUCollector(reader GPUReader, interval time.Duration, logger *zap.Logger, onSample func([]GPUMetrics)) *GPUCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GPUCollector{
		reader:   reader,
		interval: max(interval, time.Second),
		logger:   logger.Named("gpu"),
		onSample: onSample,
	}
}

// Start samples immediately, then every interval until ctx ends or Stop.
func (c *GPUCollector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.stopped {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
}

// Stop ends collection and waits for the loop. Safe to call more than once
// and before Start; a stopped collector cannot be restarted.
func (c *GPUCollector) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Available reports whether the last sample succeeded.
func (c *GPUCollector) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// LastError returns the most recent sampling error, or nil.
func (c *GPUCollector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *GPUCollector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	c.collect(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *GPUCollector) collect(ctx context.Context) {
	gpus, err := c.reader.ReadGPUs(ctx)
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	wasAvailable := c.available || c.lastErr == nil
	c.available = err == nil
	c.lastErr = err
	c.mu.Unlock()

	if err != nil {
		// Warn on the transition only; a GPU-less host fails every tick.
		if wasAvailable {
			c.logger.Warn("GPU metrics unavailable", zap.Error(err))
		} else {
			c.logger.Debug("GPU sample failed", zap.Error(err))
		}
		return
	}
	if c.onSample != nil {
		c.onSample(gpus)
	}
}
