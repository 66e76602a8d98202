package main

import (
	"context"
	"errors"

	"zimage_gateway/api"
	"zimage_gateway/core"
	"zimage_gateway/db"
	"zimage_gateway/events"
	"zimage_gateway/logging"
	"zimage_gateway/metrics"
	"zimage_gateway/sdserver"
	"zimage_gateway/shutdown"

	"github.com/samber/do"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errBackendExited = errors.New("sd-server exited unexpectedly")

// app runs one gateway lifecycle: start sd-server, serve, shut down.
type app struct {
	injector *do.Injector
	logger   *logging.Logger

	supervisor *sdserver.Supervisor
	server     *api.Server
	manager    *shutdown.Manager
	hub        *events.Hub
	gpu        *metrics.GPUCollector
	gpuEnabled bool
}

func newApp(cfg *core.Config, logger *logging.Logger, opts ...shutdown.ManagerOption) *app {
	injector := newInjector(cfg, logger, opts...)
	a := &app{
		injector:   injector,
		logger:     logger,
		supervisor: do.MustInvoke[*sdserver.Supervisor](injector),
		server:     do.MustInvoke[*api.Server](injector),
		manager:    do.MustInvoke[*shutdown.Manager](injector),
		hub:        do.MustInvoke[*events.Hub](injector),
		gpu:        do.MustInvoke[*metrics.GPUCollector](injector),
		gpuEnabled: cfg.Gateway.GPUMetricsInterval > 0,
	}
	a.registerShutdown()
	return a
}

// registerShutdown orders teardown: stop taking requests, drop event
// subscribers, stop the backend, flush history, flush logs.
func (a *app) registerShutdown() {
	a.manager.Register("http-server", shutdown.PriorityHTTPServer, a.server.Shutdown)
	a.manager.Register("events", shutdown.PriorityEvents, func(context.Context) error {
		a.gpu.Stop()
		a.hub.Close()
		return nil
	})
	a.manager.Register("sd-server", shutdown.PrioritySupervisor, func(context.Context) error {
		return do.Shutdown[*sdserver.Supervisor](a.injector)
	})
	a.manager.Register("history", shutdown.PriorityHistory, func(context.Context) error {
		return do.Shutdown[db.HistoryStore](a.injector)
	})
	a.manager.Register("logger", shutdown.PriorityLogger, func(context.Context) error {
		// Sync on a console fd fails on Linux; the file sink is what matters.
		_ = a.logger.Sync()
		return nil
	})
}

// stop requests a graceful shutdown from outside, e.g. a service manager.
func (a *app) stop(reason string) {
	a.manager.Trigger(reason)
}

// run blocks until the gateway has shut down and returns the exit code.
func (a *app) run(handleSignals bool) int {
	if handleSignals {
		a.manager.Start()
	}
	defer func() {
		if err := a.injector.Shutdown(); err != nil {
			a.logger.Debug("injector shutdown", zap.Error(err))
		}
	}()

	ctx := a.manager.Context()
	if err := a.supervisor.Start(ctx); err != nil {
		_ = a.manager.Shutdown()
		return startupExitCode(ctx, err, a.manager.ExitCode())
	}
	a.logger.Info("sd-server ready", zap.Int("pid", a.supervisor.PID()))

	go a.hub.Run(ctx)
	if a.gpuEnabled {
		a.gpu.Start(ctx)
	}
	a.hub.Publish(events.TypeBackend, events.BackendState{Running: true, PID: a.supervisor.PID()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		select {
		case <-a.supervisor.Exited():
			if a.manager.IsShuttingDown() {
				return nil
			}
			a.logger.Error("sd-server exited unexpectedly; shutting down")
			a.hub.Publish(events.TypeBackend, events.BackendState{Reason: errBackendExited.Error()})
			return errBackendExited
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := a.manager.Shutdown(); err != nil {
			a.logger.Warn("shutdown finished with errors", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		a.logger.Error("gateway stopped", zap.Error(err))
		return core.ExitCodeError
	}
	return a.manager.ExitCode()
}

// startupExitCode picks the exit code when sd-server never became ready.
// A signal during startup keeps the signal's code.
func startupExitCode(ctx context.Context, err error, signalCode int) int {
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return signalCode
	case sdserver.IsStartupFailure(err):
		return core.ExitCodeBackendStartup
	default:
		return core.ExitCodeError
	}
}
