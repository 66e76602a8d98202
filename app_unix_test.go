//go:build !windows

package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"zimage_gateway/core"
	"zimage_gateway/metrics"
	"zimage_gateway/sdapi"

	"github.com/gorilla/websocket"
)

// writeScript writes an executable sh script standing in for sd-server.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sd-server")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeReadiness answers sd-server's readiness path on a random port.
func fakeReadiness(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[]`)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return port
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func runApp(t *testing.T, cfg *core.Config) (*app, <-chan int) {
	t.Helper()
	a := newApp(cfg, createTestLogger(t))
	done := make(chan int, 1)
	go func() { done <- a.run(false) }()
	return a, done
}

func waitExit(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not exit")
		return -1
	}
}

func waitHealthy(t *testing.T, addr string) sdapi.HealthResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/api/v1/health")
		if err == nil {
			var h sdapi.HealthResponse
			decodeErr := json.NewDecoder(resp.Body).Decode(&h)
			resp.Body.Close()
			if decodeErr == nil && h.Status == sdapi.StatusOK {
				return h
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("gateway never reported healthy")
	return sdapi.HealthResponse{}
}

const idleBackend = `trap 'exit 0' TERM
while :; do sleep 0.1; done`

func TestApp_ServesUntilStopped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Binary = writeScript(t, idleBackend)
	cfg.Backend.Port = fakeReadiness(t)
	cfg.Gateway.Port = freePort(t)

	a, done := runApp(t, cfg)
	health := waitHealthy(t, cfg.Gateway.Addr())
	if health.PID == 0 || health.SDServer != sdapi.BackendRunning {
		t.Errorf("unexpected health: %+v", health)
	}

	a.stop("test")
	if code := waitExit(t, done); code != core.ExitCodeSuccess {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeSuccess)
	}
	if a.supervisor.IsRunning() {
		t.Error("sd-server still running after shutdown")
	}
}

func TestApp_ServesMetricsAndEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Binary = writeScript(t, idleBackend)
	cfg.Backend.Port = fakeReadiness(t)
	cfg.Gateway.Port = freePort(t)

	a, done := runApp(t, cfg)
	waitHealthy(t, cfg.Gateway.Addr())

	resp, err := http.Get("http://" + cfg.Gateway.Addr() + "/api/v1/metrics")
	if err != nil {
		t.Fatal(err)
	}
	var snap metrics.Snapshot
	err = json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status=%d err=%v", resp.StatusCode, err)
	}
	if snap.Version != core.Version || snap.Totals.Count != 0 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+cfg.Gateway.Addr()+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	a.stop("test")
	if code := waitExit(t, done); code != core.ExitCodeSuccess {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeSuccess)
	}

	// Shutdown closes subscriber connections.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("events connection still open after shutdown")
	}
}

func TestApp_BackendCrashAfterReadyShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Binary = writeScript(t, "sleep 1\nexit 7")
	cfg.Backend.Port = fakeReadiness(t)
	cfg.Gateway.Port = freePort(t)

	_, done := runApp(t, cfg)
	if code := waitExit(t, done); code != core.ExitCodeError {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeError)
	}
}

func TestApp_CrashDuringStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Binary = writeScript(t, "exit 3")
	cfg.Backend.Port = freePort(t)
	cfg.Gateway.Port = freePort(t)

	_, done := runApp(t, cfg)
	if code := waitExit(t, done); code != core.ExitCodeBackendStartup {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeBackendStartup)
	}
}
