package sdserver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"zimage_gateway/core"

	"go.uber.org/zap"
)

// Supervisor owns at most one sd-server process and the shared client used to
// reach it. HTTP handlers receive it by reference.
type Supervisor struct {
	cfg     core.BackendConfig
	logger  *zap.Logger
	clients *ClientProvider
	clock   Clock

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	proc      *Process
	startedAt time.Time
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithClock replaces the wall clock used by the readiness loop.
func WithClock(c Clock) SupervisorOption {
	return func(s *Supervisor) { s.clock = c }
}

// NewSupervisor returns an idle supervisor for cfg.
func NewSupervisor(cfg core.BackendConfig, logger *zap.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger.Named("supervisor"),
		clients: NewClientProvider(cfg.BaseURL(), cfg.ConnectTimeout, cfg.RequestTimeout),
		clock:   SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches sd-server and blocks until it answers its readiness probe.
// It is a no-op when a process is already running. On a crash or timeout the
// process is gone by the time Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	proc, err := s.spawn()
	if errors.Is(err, ErrAlreadyRunning) {
		return nil
	}
	if err != nil {
		return err
	}

	poller := &ReadinessPoller{
		Timeout:   s.cfg.StartupTimeout,
		Interval:  s.cfg.HealthInterval,
		StopGrace: s.cfg.StopGrace,
		Clock:     s.clock,
		Logger:    s.logger,
	}
	if err := poller.Wait(ctx, proc, s.clients.Get()); err != nil {
		// Reaps the process if it crashed and joins the output reader.
		_ = proc.Stop(s.cfg.StopGrace)
		s.clear(proc)
		s.logger.Error("sd-server failed to start", zap.Error(err))
		return err
	}
	return nil
}

func (s *Supervisor) spawn() (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil && s.proc.Running() {
		s.logger.Info("sd-server already running", zap.Int("pid", s.proc.PID()))
		return nil, ErrAlreadyRunning
	}

	args := BuildArgs(s.cfg)
	s.logger.Info("starting sd-server",
		zap.String("command", s.cfg.Binary+" "+strings.Join(args, " ")),
	)
	proc, err := StartProcess(s.cfg.Binary, args, s.logger)
	if err != nil {
		return nil, err
	}
	s.proc = proc
	s.startedAt = time.Now()
	return proc, nil
}

func (s *Supervisor) clear(proc *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == proc {
		s.proc = nil
		s.startedAt = time.Time{}
	}
}

// Stop closes the shared client and terminates sd-server. Safe to call when
// nothing is running and safe to call twice.
func (s *Supervisor) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.clients.Close()

	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	if proc == nil {
		return nil
	}

	err := proc.Stop(s.cfg.StopGrace)
	s.clear(proc)
	if code, ok := proc.Exited(); ok {
		s.logger.Info("sd-server stopped", zap.Int("pid", proc.PID()), zap.Int("exit_code", code))
	}
	return err
}

// Shutdown stops the supervisor; it lets the injector tear it down.
func (s *Supervisor) Shutdown() error {
	return s.Stop()
}

// IsRunning reports whether the sd-server process is alive right now.
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc != nil && s.proc.Running()
}

// PID returns the sd-server pid, or 0 when nothing is running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil || !s.proc.Running() {
		return 0
	}
	return s.proc.PID()
}

// Uptime is how long the current process has been running.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil || !s.proc.Running() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Exited is closed when the current process exits. It returns nil when no
// process has been started.
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.Done()
}

// Client returns the shared backend client.
func (s *Supervisor) Client() *Client {
	return s.clients.Get()
}

// Config returns the backend configuration.
func (s *Supervisor) Config() core.BackendConfig {
	return s.cfg
}
