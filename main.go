// Command zimage-gateway runs the Z-Image HTTP gateway: it launches and
// supervises sd-server, waits for it to become ready and proxies validated
// generation requests to it.
//
// Usage:
//
//	zimage-gateway [run]          start the gateway (default)
//	zimage-gateway preflight      check host requirements and exit
//	zimage-gateway models <cmd>   show, verify or download model files
//	zimage-gateway service <cmd>  manage the system service
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"zimage_gateway/core"
	"zimage_gateway/logging"
	"zimage_gateway/preflight"

	"github.com/joho/godotenv"
	"github.com/kardianos/service"
	"go.uber.org/zap"
)

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// Use fmt here since logger isn't initialized yet
		fmt.Fprintf(stderr, "Warning: could not read .env file: %v\n", err)
	}

	cmd := "run"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "run":
		return runGateway(stderr)
	case "preflight":
		return runPreflight(stdout, stderr)
	case "models":
		return runModels(args[1:], stdout, stderr)
	case "service":
		return serviceCommand(args[1:], stdout)
	case "version", "-v", "--version":
		fmt.Fprintln(stdout, "zimage-gateway", core.VersionInfo())
		return core.ExitCodeSuccess
	case "help", "-h", "--help":
		printUsage(stdout)
		return core.ExitCodeSuccess
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return core.ExitCodeError
	}
}

func loadConfig(stderr io.Writer) (*core.Config, bool) {
	cfg, err := core.LoadConfig()
	if err != nil {
		if cfgErr, ok := core.IsConfigError(err); ok {
			fmt.Fprintf(stderr, "Configuration error [%s]: %s\n", cfgErr.Code, cfgErr.Message)
			if cfgErr.Action != "" {
				fmt.Fprintf(stderr, "  %s\n", cfgErr.Action)
			}
		} else {
			fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		}
		return nil, false
	}
	return cfg, true
}

func runGateway(stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return core.ExitCodeError
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Gateway.DevMode,
		Level:       cfg.Gateway.LogLevel,
		FilePath:    cfg.Gateway.LogFile,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return core.ExitCodeError
	}
	defer logger.Close()

	logger.Info("configuration loaded",
		zap.String("version", core.Version),
		zap.String("sd_server_bin", cfg.Backend.Binary),
		zap.String("model", cfg.Backend.ModelName()),
		zap.String("backend", cfg.Backend.BaseURL()),
		zap.String("listen", cfg.Gateway.Addr()),
		zap.Duration("startup_timeout", cfg.Backend.StartupTimeout),
		zap.String("history_db", cfg.Gateway.HistoryDBPath),
		zap.Duration("gpu_metrics_interval", cfg.Gateway.GPUMetricsInterval),
		zap.Bool("dev_mode", cfg.Gateway.DevMode),
	)

	if !service.Interactive() {
		return runAsService(cfg, logger)
	}

	code := newApp(cfg, logger).run(true)
	logger.Info("goodbye", zap.Int("exit_code", code), zap.String("reason", core.ExitCodeName(code)))
	return code
}

func runPreflight(stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return core.ExitCodeError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return preflight.NewChecker(cfg).WithOutput(stdout).Run(ctx).ExitCode()
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: zimage-gateway [command]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  run        Start sd-server and the HTTP gateway (default)")
	fmt.Fprintln(out, "  preflight  Check GPU, memory, disk, Docker, driver, models and binary")
	fmt.Fprintln(out, "  models     Show, verify or download model files (see: models help)")
	fmt.Fprintln(out, "  service    Install or control the system service (see: service help)")
	fmt.Fprintln(out, "  version    Print version information")
	fmt.Fprintln(out, "  help       Show this help message")
}
