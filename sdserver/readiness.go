package sdserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// ReadinessPath is the lightweight endpoint probed during startup.
const ReadinessPath = "/sdapi/v1/samplers"

// defaultProbeTimeout caps one readiness probe so a stalled connection cannot
// eat the whole startup budget.
const defaultProbeTimeout = 5 * time.Second

// Clock abstracts time for the readiness loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// Handle is the slice of a process the readiness loop needs.
type Handle interface {
	Exited() (code int, exited bool)
	Stop(grace time.Duration) error
}

// ReadinessPoller waits for sd-server to answer ReadinessPath.
type ReadinessPoller struct {
	Timeout      time.Duration
	Interval     time.Duration
	ProbeTimeout time.Duration
	StopGrace    time.Duration
	Clock        Clock
	Logger       *zap.Logger
}

// Wait polls until the backend is ready. Each round first checks whether the
// process has exited and fails with *ProcessExitedError if so. Connection
// failures and non-2xx answers count as not ready yet. If timeout elapses, or
// ctx is cancelled, the process is stopped before the error is returned.
func (rp *ReadinessPoller) Wait(ctx context.Context, h Handle, client *Client) error {
	clock := rp.Clock
	if clock == nil {
		clock = SystemClock
	}
	probeTimeout := rp.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	logger := rp.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	start := clock.Now()
	attempts := 0
	for clock.Now().Sub(start) < rp.Timeout {
		if code, exited := h.Exited(); exited {
			return &ProcessExitedError{Code: code}
		}

		attempts++
		if probe(ctx, client, probeTimeout) {
			logger.Info("sd-server is ready",
				zap.Duration("took", clock.Now().Sub(start)),
				zap.Int("attempts", attempts),
			)
			return nil
		}

		if err := clock.Sleep(ctx, rp.Interval); err != nil {
			_ = h.Stop(rp.StopGrace)
			return err
		}
	}

	logger.Error("sd-server startup timed out",
		zap.Duration("timeout", rp.Timeout),
		zap.Int("attempts", attempts),
	)
	if err := h.Stop(rp.StopGrace); err != nil {
		logger.Warn("failed to stop sd-server after timeout", zap.Error(err))
	}
	return fmt.Errorf("%w within %s", ErrStartupTimeout, rp.Timeout)
}

func probe(ctx context.Context, client *Client, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.Get(ctx, ReadinessPath)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// IsStartupFailure reports whether err came from a crashed or timed-out
// startup.
func IsStartupFailure(err error) bool {
	var exited *ProcessExitedError
	return errors.As(err, &exited) || errors.Is(err, ErrStartupTimeout)
}
