//go:build !windows

package sdserver

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"zimage_gateway/logging"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
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

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// freePort returns a localhost port with nothing listening on it.
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

func TestProcess_OutputIsLoggedPerLine(t *testing.T) {
	logger, logs := observedLogger()
	bin := writeScript(t, `echo "loading model"; echo "listening on 7860" >&2; exec sleep 30`)

	p, err := StartProcess(bin, nil, logger)
	if err != nil {
		t.Fatalf("StartProcess() error = %v", err)
	}
	waitFor(t, "both output lines", func() bool {
		return logs.FilterLoggerName(logging.BackendLoggerName).Len() == 2
	})

	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.Running() {
		t.Error("process still running after Stop")
	}

	lines := logs.FilterLoggerName(logging.BackendLoggerName).All()
	if lines[0].Message != "loading model" || lines[1].Message != "listening on 7860" {
		t.Errorf("unexpected lines: %q, %q", lines[0].Message, lines[1].Message)
	}
	if pid := lines[0].ContextMap()["pid"]; pid != int64(p.PID()) {
		t.Errorf("pid field = %v, want %d", pid, p.PID())
	}
	select {
	case <-p.drainDone:
	default:
		t.Error("output reader not joined after Stop")
	}
}

func TestProcess_ExitCode(t *testing.T) {
	logger, _ := observedLogger()
	p, err := StartProcess(writeScript(t, "exit 7"), nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	<-p.Done()

	code, exited := p.Exited()
	if !exited || code != 7 {
		t.Errorf("Exited() = (%d, %v), want (7, true)", code, exited)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Errorf("Stop() on exited process = %v", err)
	}
}

func TestProcess_KillAfterGrace(t *testing.T) {
	logger, logs := observedLogger()
	bin := writeScript(t, `trap '' TERM; echo ready; while :; do sleep 0.05; done`)

	p, err := StartProcess(bin, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trap installed", func() bool {
		return logs.FilterMessage("ready").Len() == 1
	})

	start := time.Now()
	if err := p.Stop(200 * time.Millisecond); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Stop returned after %v, before the grace period", elapsed)
	}

	code, exited := p.Exited()
	if !exited || code != -int(syscall.SIGKILL) {
		t.Errorf("Exited() = (%d, %v), want SIGKILL", code, exited)
	}
	if logs.FilterMessage("sd-server did not exit, killing").Len() != 1 {
		t.Error("expected kill warning")
	}
}

func TestStartProcess_SpawnError(t *testing.T) {
	logger, _ := observedLogger()
	_, err := StartProcess(filepath.Join(t.TempDir(), "nope"), nil, logger)

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("StartProcess() = %v, want *SpawnError", err)
	}
}
