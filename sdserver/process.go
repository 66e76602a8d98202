package sdserver

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"zimage_gateway/logging"

	"go.uber.org/zap"
)

// drainJoinTimeout bounds how long Stop waits for the output reader after the
// process is reaped. A grandchild can keep the pipe open past the parent's
// exit; the read end is closed once this elapses.
const drainJoinTimeout = 2 * time.Second

// Process is a running sd-server child. Its stdout and stderr share one pipe
// that a single goroutine drains into the logger until EOF.
type Process struct {
	cmd *exec.Cmd
	pid int

	output *os.File

	exited    chan struct{}
	exitCode  int
	drainDone chan struct{}

	stopOnce sync.Once
	stopErr  error

	logger *zap.Logger
}

// StartProcess spawns binary with args. It returns as soon as the process
// exists; readiness is checked separately.
func StartProcess(binary string, args []string, logger *zap.Logger) (*Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	// The child holds its own copy of the write end.
	w.Close()

	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		output:    r,
		exited:    make(chan struct{}),
		drainDone: make(chan struct{}),
		logger:    logger,
	}

	go p.drain(logging.ProcessLogger(logger, p.pid))
	go p.wait()

	return p, nil
}

func (p *Process) drain(lineLogger *zap.Logger) {
	defer close(p.drainDone)
	reader := bufio.NewReader(p.output)
	for {
		line, err := reader.ReadString('\n')
		if text := strings.TrimRight(strings.ToValidUTF8(line, "�"), " \t\r\n"); text != "" {
			lineLogger.Info(text)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("sd-server output stream ended", zap.Error(err))
			}
			return
		}
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitCode = exitCodeOf(p.cmd.ProcessState, err)
	close(p.exited)
}

func exitCodeOf(state *os.ProcessState, err error) int {
	if state == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.pid
}

// Running reports whether the process is still alive. It never blocks.
func (p *Process) Running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited returns the exit code and true once the process has been reaped.
// A negative code means the process died from that signal number.
func (p *Process) Exited() (int, bool) {
	select {
	case <-p.exited:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Stop terminates the process: SIGTERM, then SIGKILL if it is still alive
// after grace. It blocks until the process is reaped and the output reader
// has finished. Later calls return the first result.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.terminate(grace)
		p.joinDrain()
	})
	return p.stopErr
}

func (p *Process) terminate(grace time.Duration) error {
	if !p.Running() {
		return nil
	}

	p.logger.Info("stopping sd-server", zap.Int("pid", p.pid))
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Platforms without SIGTERM go straight to kill.
		p.logger.Debug("SIGTERM failed, killing", zap.Error(err))
		return p.kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
		p.logger.Warn("sd-server did not exit, killing",
			zap.Int("pid", p.pid),
			zap.Duration("grace", grace),
		)
		return p.kill()
	}
}

func (p *Process) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.exited
	return nil
}

func (p *Process) joinDrain() {
	timer := time.NewTimer(drainJoinTimeout)
	defer timer.Stop()
	select {
	case <-p.drainDone:
	case <-timer.C:
		p.output.Close()
		<-p.drainDone
	}
	p.output.Close()
}
