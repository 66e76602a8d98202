package main

import (
	"fmt"
	"time"

	"zimage_gateway/api"
	"zimage_gateway/core"
	"zimage_gateway/db"
	"zimage_gateway/events"
	"zimage_gateway/logging"
	"zimage_gateway/metrics"
	"zimage_gateway/proxy"
	"zimage_gateway/sdserver"
	"zimage_gateway/shutdown"

	"github.com/samber/do"
	"go.uber.org/zap"
)

// newInjector builds the gateway's object graph. Nothing is constructed
// until first invoked.
func newInjector(cfg *core.Config, logger *logging.Logger, opts ...shutdown.ManagerOption) *do.Injector {
	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		},
	})

	do.ProvideValue[*core.Config](injector, cfg)
	do.ProvideValue[*logging.Logger](injector, logger)

	do.Provide[*shutdown.Manager](injector, func(i *do.Injector) (*shutdown.Manager, error) {
		opts := append([]shutdown.ManagerOption{shutdown.WithTimeout(cfg.Gateway.ShutdownTimeout)}, opts...)
		return shutdown.NewManager(logger.Named("shutdown"), opts...), nil
	})
	do.Provide[*sdserver.Supervisor](injector, func(i *do.Injector) (*sdserver.Supervisor, error) {
		return sdserver.NewSupervisor(cfg.Backend, logger.Logger), nil
	})
	do.Provide[*proxy.Proxy](injector, func(i *do.Injector) (*proxy.Proxy, error) {
		return proxy.New(do.MustInvoke[*sdserver.Supervisor](i), logger.Logger), nil
	})
	do.Provide[db.HistoryStore](injector, provideHistory)
	do.Provide[*events.Hub](injector, func(i *do.Injector) (*events.Hub, error) {
		return events.NewHub(events.DefaultHubConfig(), logger.Logger), nil
	})
	do.Provide[*metrics.Store](injector, func(i *do.Injector) (*metrics.Store, error) {
		store := metrics.NewStore(core.Version, metrics.DefaultRecentCapacity)
		hub := do.MustInvoke[*events.Hub](i)
		store.Observe(func(g metrics.Generation) {
			hub.Publish(events.TypeGeneration, g)
		})
		return store, nil
	})
	do.Provide[*metrics.GPUCollector](injector, func(i *do.Injector) (*metrics.GPUCollector, error) {
		store := do.MustInvoke[*metrics.Store](i)
		hub := do.MustInvoke[*events.Hub](i)
		return metrics.NewGPUCollector(
			&metrics.SMIReader{Timeout: 10 * time.Second},
			cfg.Gateway.GPUMetricsInterval,
			logger.Logger,
			func(gpus []metrics.GPUMetrics) {
				store.UpdateGPU(gpus)
				hub.Publish(events.TypeGPU, gpus)
			},
		), nil
	})
	do.Provide[*api.Server](injector, func(i *do.Injector) (*api.Server, error) {
		return api.NewServer(
			api.ServerConfigFrom(cfg.Gateway),
			do.MustInvoke[*sdserver.Supervisor](i),
			do.MustInvoke[*proxy.Proxy](i),
			do.MustInvoke[db.HistoryStore](i),
			do.MustInvoke[*shutdown.Manager](i).Tracker(),
			logger.Logger,
			api.WithMetrics(do.MustInvoke[*metrics.Store](i)),
			api.WithEvents(do.MustInvoke[*events.Hub](i)),
		), nil
	})

	return injector
}

// provideHistory opens the history database. History is optional: when it
// is disabled or cannot be opened the gateway runs without it.
func provideHistory(i *do.Injector) (db.HistoryStore, error) {
	cfg := do.MustInvoke[*core.Config](i)
	logger := do.MustInvoke[*logging.Logger](i)

	path := cfg.Gateway.HistoryDBPath
	if path == "" {
		logger.Info("generation history disabled")
		return db.NopHistory{}, nil
	}

	retention := time.Duration(cfg.Gateway.HistoryRetentionDays) * 24 * time.Hour
	history, err := db.OpenHistory(path, retention, logger.Logger)
	if err != nil {
		logger.Warn("generation history unavailable", zap.String("path", path), zap.Error(err))
		return db.NopHistory{}, nil
	}
	return history, nil
}
