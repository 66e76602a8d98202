package shutdown

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"zimage_gateway/core"

	"go.uber.org/zap/zaptest"
)

func TestOperationTracker_RejectsAfterClose(t *testing.T) {
	tr := NewOperationTracker()
	if !tr.Start() {
		t.Fatal("Start() on open tracker returned false")
	}
	tr.Close()
	if tr.Start() {
		t.Fatal("Start() after Close returned true")
	}
	if tr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", tr.ActiveCount())
	}
	if err := tr.Wait(20 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait() = %v, want ErrWaitTimeout", err)
	}
	tr.Done()
	if err := tr.Wait(time.Second); err != nil {
		t.Errorf("Wait() after Done = %v", err)
	}
}

func TestRegistry_OrderAndErrors(t *testing.T) {
	r := NewRegistry()
	var order []string
	record := func(name string, err error) core.ShutdownFunc {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}

	r.Register("logger", PriorityLogger, record("logger", nil))
	r.Register("history", PriorityHistory, record("history", errors.New("flush failed")))
	r.Register("http", PriorityHTTPServer, record("http", nil))
	r.Register("supervisor", PrioritySupervisor, record("supervisor", nil))
	r.Register("http-idle", PriorityHTTPServer, record("http-idle", nil))

	want := []string{"http", "http-idle", "supervisor", "history", "logger"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}

	errs := r.Shutdown(context.Background())
	if !reflect.DeepEqual(order, want) {
		t.Errorf("execution order = %v, want %v", order, want)
	}
	if len(errs) != 1 || errs[0].Error() != "history: flush failed" {
		t.Errorf("errs = %v", errs)
	}

	if errs := r.Shutdown(context.Background()); errs != nil {
		t.Errorf("second Shutdown() = %v, want nil", errs)
	}
	r.Register("late", 1, record("late", nil))
	if r.Count() != 5 {
		t.Errorf("registration after shutdown should be ignored, count = %d", r.Count())
	}
}

func TestSignalCounter(t *testing.T) {
	var forced atomic.Int32
	c := NewSignalCounter(2, func() { forced.Add(1) })
	c.Increment()
	if forced.Load() != 0 {
		t.Fatal("forced after first signal")
	}
	c.Increment()
	if forced.Load() != 1 || c.Count() != 2 {
		t.Errorf("forced = %d, count = %d", forced.Load(), c.Count())
	}
}

func TestManager_ShutdownRunsHandlersAndRejectsWork(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), WithTimeout(2*time.Second))

	var ran atomic.Bool
	m.Register("supervisor", PrioritySupervisor, func(context.Context) error {
		ran.Store(true)
		return nil
	})

	release := make(chan struct{})
	inFlight := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Track(func() error {
			close(inFlight)
			<-release
			return nil
		})
	}()
	<-inFlight

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- m.Shutdown() }()

	deadline := time.Now().Add(time.Second)
	for !m.IsShuttingDown() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := m.Track(func() error { return nil }); !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("Track() during shutdown = %v, want ErrTrackerClosed", err)
	}
	if ran.Load() {
		t.Error("handlers ran before in-flight work finished")
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("in-flight op error = %v", err)
	}
	if err := <-shutdownDone; err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	if !ran.Load() {
		t.Error("handler did not run")
	}
	select {
	case <-m.Context().Done():
	default:
		t.Error("context not cancelled after Shutdown")
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestManager_ShutdownJoinsErrors(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	boom := errors.New("boom")
	m.Register("history", PriorityHistory, func(context.Context) error { return boom })
	if err := m.Shutdown(); !errors.Is(err, boom) {
		t.Errorf("Shutdown() = %v, want wrapped boom", err)
	}
}

func TestManager_SignalExitCodes(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want int
	}{
		{os.Interrupt, core.ExitCodeSIGINT},
		{syscall.SIGTERM, core.ExitCodeSIGTERM},
	}
	for _, tt := range tests {
		var exitCode atomic.Int32
		exitCode.Store(-1)
		m := NewManager(zaptest.NewLogger(t), WithExitFunc(func(c int) { exitCode.Store(int32(c)) }))

		m.handleSignal(tt.sig)
		select {
		case <-m.Context().Done():
		default:
			t.Fatalf("%v: context not cancelled", tt.sig)
		}
		if got := m.ExitCode(); got != tt.want {
			t.Errorf("%v: ExitCode() = %d, want %d", tt.sig, got, tt.want)
		}

		m.handleSignal(tt.sig)
		if exitCode.Load() != int32(core.ExitCodeError) {
			t.Errorf("%v: second signal should force exit, got %d", tt.sig, exitCode.Load())
		}
	}
}

func TestManager_TriggerKeepsSuccessExitCode(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Trigger("backend exited")
	<-m.Context().Done()
	if m.ExitCode() != core.ExitCodeSuccess {
		t.Errorf("ExitCode() = %d", m.ExitCode())
	}
}
