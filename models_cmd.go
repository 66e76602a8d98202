package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"zimage_gateway/core"
	"zimage_gateway/logging"
	"zimage_gateway/models"

	"github.com/fatih/color"
	"github.com/samber/lo"
)

// runModels handles "models [status|verify|fetch]".
func runModels(args []string, stdout, stderr io.Writer) int {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "help", "-h", "--help":
		printModelsUsage(stdout)
		return core.ExitCodeSuccess
	case "status", "verify", "fetch":
	default:
		fmt.Fprintf(stderr, "unknown models command %q\n\n", action)
		printModelsUsage(stderr)
		return core.ExitCodeError
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return core.ExitCodeError
	}
	manifest, err := models.LoadManifest(cfg.Backend.ModelsManifest)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return core.ExitCodeError
	}

	// Progress and results own the terminal; logs go to the file only.
	logger, err := logging.New(logging.Options{
		Level:    cfg.Gateway.LogLevel,
		FilePath: cfg.Gateway.LogFile,
		Console:  io.Discard,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return core.ExitCodeError
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := newProgressPrinter(stdout)
	m := models.NewManager(cfg.Backend, manifest, logger, models.WithProgress(progress.print))

	fmt.Fprintln(stdout, color.New(color.FgCyan, color.Bold).Sprint("Z-Image Models"))
	fmt.Fprintln(stdout, strings.Repeat("=", 50))
	fmt.Fprintf(stdout, "models dir: %s\n", cfg.Backend.ModelsDir)
	fmt.Fprintf(stdout, "manifest:   %s\n\n", cfg.Backend.ModelsManifest)

	var statuses []models.Status
	switch action {
	case "status":
		statuses = m.Status()
	case "verify":
		statuses = m.Verify(ctx)
	case "fetch":
		statuses, err = m.Fetch(ctx)
		progress.finish()
	}

	printModelStatuses(stdout, cfg.Backend.ModelsDir, statuses)
	if err != nil {
		fmt.Fprintf(stdout, "\n%v\n", err)
	}

	bad := lo.CountBy(statuses, func(st models.Status) bool {
		return st.State != models.StatePresent && st.State != models.StateVerified
	})
	if err != nil || bad > 0 {
		return core.ExitCodeError
	}
	return core.ExitCodeSuccess
}

func printModelStatuses(out io.Writer, modelsDir string, statuses []models.Status) {
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	for _, st := range statuses {
		name := st.Path
		if rel, err := filepath.Rel(modelsDir, st.Path); err == nil && !strings.HasPrefix(rel, "..") {
			name = filepath.ToSlash(rel)
		}
		switch st.State {
		case models.StatePresent, models.StateVerified:
			good.Fprintf(out, "  ✓ %-10s %s (%s, %s)\n", st.Entry.Name, name, core.FormatBytes(st.Size), st.State)
		case models.StateMissing:
			source := lo.Ternary(st.Entry.URL == "", "no source in manifest", "fetchable")
			bad.Fprintf(out, "  ✗ %-10s %s (missing, %s)\n", st.Entry.Name, name, source)
		default:
			bad.Fprintf(out, "  ✗ %-10s %s (%s)\n", st.Entry.Name, name, st.State)
		}
	}
}

// progressPrinter redraws one line per download, at most every 500ms.
type progressPrinter struct {
	out     io.Writer
	current string
	last    time.Time
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (p *progressPrinter) print(e models.Entry, pr models.Progress) {
	if e.Name != p.current {
		p.finish()
		p.current = e.Name
	} else if time.Since(p.last) < 500*time.Millisecond && pr.Downloaded < pr.Total {
		return
	}
	p.last = time.Now()
	fmt.Fprintf(p.out, "\r  ↓ %-10s %s\033[K", e.Name, pr)
}

func (p *progressPrinter) finish() {
	if p.current != "" {
		fmt.Fprintln(p.out)
		p.current = ""
	}
}

func printModelsUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: zimage-gateway models <command>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  status  List required and manifest model files (default)")
	fmt.Fprintln(out, "  verify  Check present files against manifest SHA256 sums")
	fmt.Fprintln(out, "  fetch   Download missing files listed in the manifest")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "The manifest path is set with MODELS_MANIFEST (default: <MODELS_DIR>/manifest.yaml).")
}
