package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"zimage_gateway/core"

	"go.uber.org/zap"
)

// Manager ties together signal handling, in-flight request tracking and the
// ordered cleanup registry.
//
//	m := shutdown.NewManager(logger, shutdown.WithTimeout(30*time.Second))
//	m.Register("http-server", shutdown.PriorityHTTPServer, srv.Shutdown)
//	m.Start()
//	<-m.Context().Done()
//	err := m.Shutdown()
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	exit    func(int)

	mu       sync.Mutex
	started  bool
	shutdown bool
	reason   os.Signal

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *Registry
	signals  *SignalCounter
	sigChan  chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the total shutdown budget. Default 30s.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithExitFunc replaces os.Exit for the forced-shutdown path.
func WithExitFunc(exit func(int)) ManagerOption {
	return func(m *Manager) { m.exit = exit }
}

// NewManager returns a Manager with a live context.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger,
		timeout:  30 * time.Second,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("second signal received, forcing exit")
		m.exit(core.ExitCodeError)
	})
	return m
}

// Context is cancelled when shutdown is requested.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup handler; lower priorities run first.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown handler",
		zap.String("name", name),
		zap.Int("priority", priority),
	)
}

// Start listens for SIGINT and SIGTERM. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	if m.signals.Increment() == 1 {
		m.mu.Lock()
		m.reason = sig
		m.mu.Unlock()
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		m.cancel()
	}
}

// Trigger requests shutdown without a signal, e.g. when the backend dies.
func (m *Manager) Trigger(reason string) {
	m.logger.Info("shutdown requested", zap.String("reason", reason))
	m.cancel()
}

// ExitCode maps the signal that started shutdown to a process exit code.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.reason {
	case os.Interrupt:
		return core.ExitCodeSIGINT
	case syscall.SIGTERM:
		return core.ExitCodeSIGTERM
	default:
		return core.ExitCodeSuccess
	}
}

// Shutdown stops new operations, waits for in-flight ones and runs the
// registered handlers with whatever budget is left. Only the first call does
// anything.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	begin := time.Now()
	m.tracker.Close()

	if n := m.tracker.ActiveCount(); n > 0 {
		m.logger.Info("waiting for in-flight requests", zap.Int64("active", n))
	}
	if err := m.tracker.Wait(m.timeout); err != nil {
		m.logger.Warn("in-flight requests did not finish",
			zap.Duration("waited", time.Since(begin)),
			zap.Int64("remaining", m.tracker.ActiveCount()),
		)
	}

	remaining := m.timeout - time.Since(begin)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	m.logger.Info("running shutdown handlers", zap.Strings("handlers", m.registry.Names()))
	errs := m.registry.Shutdown(ctx)
	for _, err := range errs {
		m.logger.Error("shutdown handler failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigChan)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info("shutdown complete", zap.Duration("duration", time.Since(begin)))
	return nil
}

// Track runs fn as an in-flight operation. It returns ErrTrackerClosed
// without calling fn once shutdown has begun.
func (m *Manager) Track(fn func() error) error {
	if !m.tracker.Start() {
		return ErrTrackerClosed
	}
	defer m.tracker.Done()
	return fn()
}

// Tracker exposes the operation tracker for middleware.
func (m *Manager) Tracker() *OperationTracker {
	return m.tracker
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	return m.tracker.IsClosed()
}

// RegisteredHandlers lists handler names in execution order.
func (m *Manager) RegisteredHandlers() []string {
	return m.registry.Names()
}
