package sdserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	now    time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps++
	c.now = c.now.Add(d)
	return nil
}

type fakeHandle struct {
	exitAfter int // number of Exited calls that report running; <0 never exits
	code      int
	calls     int
	stopped   bool
}

func (h *fakeHandle) Exited() (int, bool) {
	h.calls++
	if h.exitAfter >= 0 && h.calls > h.exitAfter {
		return h.code, true
	}
	return 0, false
}

func (h *fakeHandle) Stop(time.Duration) error {
	h.stopped = true
	return nil
}

// probeServer answers the readiness path with 503 until readyAfter probes
// have been seen, then 200. It counts every probe.
func probeServer(t *testing.T, readyAfter int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var probes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ReadinessPath {
			t.Errorf("unexpected probe path %s", r.URL.Path)
		}
		n := probes.Add(1)
		if readyAfter >= 0 && n > readyAfter {
			w.Write([]byte("[]"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv, &probes
}

func newPoller(t *testing.T, clock Clock) *ReadinessPoller {
	return &ReadinessPoller{
		Timeout:  10 * time.Second,
		Interval: 2 * time.Second,
		Clock:    clock,
		Logger:   zaptest.NewLogger(t),
	}
}

func TestReadinessPoller_ReadyAfterRetries(t *testing.T) {
	srv, probes := probeServer(t, 2)
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := &fakeHandle{exitAfter: -1}

	err := newPoller(t, clock).Wait(context.Background(), h, NewClient(srv.URL, time.Second, time.Second))
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if probes.Load() != 3 {
		t.Errorf("probes = %d, want 3", probes.Load())
	}
	if clock.sleeps != 2 {
		t.Errorf("sleeps = %d, want 2", clock.sleeps)
	}
	if h.stopped {
		t.Error("ready backend must not be stopped")
	}
}

func TestReadinessPoller_ExitStopsPolling(t *testing.T) {
	srv, probes := probeServer(t, -1)
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := &fakeHandle{exitAfter: 0, code: 7}

	err := newPoller(t, clock).Wait(context.Background(), h, NewClient(srv.URL, time.Second, time.Second))

	var exited *ProcessExitedError
	if !errors.As(err, &exited) || exited.Code != 7 {
		t.Fatalf("Wait() = %v, want ProcessExitedError{7}", err)
	}
	if probes.Load() != 0 {
		t.Errorf("dead process was probed %d times", probes.Load())
	}
	if !IsStartupFailure(err) {
		t.Error("IsStartupFailure() = false")
	}
}

func TestReadinessPoller_ExitMidway(t *testing.T) {
	srv, probes := probeServer(t, -1)
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := &fakeHandle{exitAfter: 2, code: 1}

	err := newPoller(t, clock).Wait(context.Background(), h, NewClient(srv.URL, time.Second, time.Second))

	var exited *ProcessExitedError
	if !errors.As(err, &exited) || exited.Code != 1 {
		t.Fatalf("Wait() = %v, want ProcessExitedError{1}", err)
	}
	if probes.Load() != 2 {
		t.Errorf("probes = %d, want 2", probes.Load())
	}
}

func TestReadinessPoller_TimeoutStopsProcess(t *testing.T) {
	srv, probes := probeServer(t, -1)
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := &fakeHandle{exitAfter: -1}

	err := newPoller(t, clock).Wait(context.Background(), h, NewClient(srv.URL, time.Second, time.Second))
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Wait() = %v, want ErrStartupTimeout", err)
	}
	if !h.stopped {
		t.Error("process must be stopped on timeout")
	}
	if probes.Load() != 5 {
		t.Errorf("probes = %d, want 5 (10s / 2s)", probes.Load())
	}
}

func TestReadinessPoller_ConnectionErrorsAreNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	clock := &fakeClock{now: time.Unix(0, 0)}
	h := &fakeHandle{exitAfter: -1}

	err := newPoller(t, clock).Wait(context.Background(), h, NewClient(url, 200*time.Millisecond, time.Second))
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Wait() = %v, want ErrStartupTimeout", err)
	}
	if clock.sleeps != 5 {
		t.Errorf("sleeps = %d, want 5", clock.sleeps)
	}
}

func TestReadinessPoller_ContextCancelled(t *testing.T) {
	srv, _ := probeServer(t, -1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := &fakeHandle{exitAfter: -1}
	err := newPoller(t, &fakeClock{}).Wait(ctx, h, NewClient(srv.URL, time.Second, time.Second))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() = %v, want context.Canceled", err)
	}
	if !h.stopped {
		t.Error("process must be stopped when startup is cancelled")
	}
}
