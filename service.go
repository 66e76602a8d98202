package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"zimage_gateway/core"
	"zimage_gateway/logging"

	"github.com/kardianos/service"
	"go.uber.org/zap"
)

const serviceName = "zimage-gateway"

// program adapts the gateway lifecycle to service.Interface.
type program struct {
	cfg    *core.Config
	logger *logging.Logger

	app      *app
	done     chan struct{}
	exitCode int
}

// Start must not block; the gateway runs in its own goroutine.
func (p *program) Start(s service.Service) error {
	p.app = newApp(p.cfg, p.logger)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		// The service manager owns signals.
		p.exitCode = p.app.run(false)
		if p.exitCode != core.ExitCodeSuccess {
			// Exit so the service manager's restart policy applies.
			p.logger.Error("gateway exited", zap.Int("exit_code", p.exitCode))
			_ = p.logger.Close()
			os.Exit(p.exitCode)
		}
	}()
	return nil
}

// Stop triggers graceful shutdown and waits for it, bounded by the shutdown
// timeout plus the backend stop grace.
func (p *program) Stop(s service.Service) error {
	if p.app == nil {
		return nil
	}
	p.app.stop("service stop")

	wait := p.cfg.Gateway.ShutdownTimeout + p.cfg.Backend.StopGrace + 5*time.Second
	select {
	case <-p.done:
		return nil
	case <-time.After(wait):
		return fmt.Errorf("timeout waiting for service to stop")
	}
}

func serviceConfig() *service.Config {
	return &service.Config{
		Name:        serviceName,
		DisplayName: "Z-Image Gateway",
		Description: "HTTP gateway supervising a local stable-diffusion.cpp sd-server for Z-Image generation",
		Arguments:   []string{"run"},
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
}

func newService(p *program) (service.Service, error) {
	s, err := service.New(p, serviceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// runAsService hands control to the platform service manager.
func runAsService(cfg *core.Config, logger *logging.Logger) int {
	p := &program{cfg: cfg, logger: logger}
	s, err := newService(p)
	if err != nil {
		logger.Error("service setup failed", zap.Error(err))
		return core.ExitCodeError
	}
	if err := s.Run(); err != nil {
		logger.Error("service run failed", zap.Error(err))
		return core.ExitCodeError
	}
	return p.exitCode
}

var errUnknownServiceCommand = errors.New("unknown service command")

// serviceCommand handles "service <action>". The service itself is not
// started in this process.
func serviceCommand(args []string, out io.Writer) int {
	if len(args) == 0 {
		printServiceUsage(out)
		return core.ExitCodeError
	}

	action := args[0]
	if action == "help" || action == "-h" || action == "--help" {
		printServiceUsage(out)
		return core.ExitCodeSuccess
	}

	if action == "remove" {
		action = "uninstall"
	}
	if action != "status" && !isServiceAction(action) {
		fmt.Fprintf(out, "Error: %v: %q\n", errUnknownServiceCommand, action)
		printServiceUsage(out)
		return core.ExitCodeError
	}

	s, err := newService(&program{})
	if err == nil {
		err = controlService(s, action, out)
	}
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return core.ExitCodeError
	}
	return core.ExitCodeSuccess
}

func controlService(s service.Service, action string, out io.Writer) error {
	if action == "status" {
		status, err := s.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}
		fmt.Fprintf(out, "Service is %s\n", statusName(status))
		return nil
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	fmt.Fprintf(out, "Service %s: ok\n", action)
	return nil
}

func isServiceAction(action string) bool {
	for _, a := range service.ControlAction {
		if a == action {
			return true
		}
	}
	return false
}

func statusName(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "in an unknown state"
	}
}

func printServiceUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: zimage-gateway service <command>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  install    Install the gateway as a system service")
	fmt.Fprintln(out, "  uninstall  Remove the system service (alias: remove)")
	fmt.Fprintln(out, "  start      Start the service")
	fmt.Fprintln(out, "  stop       Stop the service")
	fmt.Fprintln(out, "  restart    Restart the service")
	fmt.Fprintln(out, "  status     Show the service status")
}
