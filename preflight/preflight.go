package preflight

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"zimage_gateway/core"

	"github.com/fatih/color"
	"github.com/samber/lo"
)

// Result is the outcome of one check.
type Result struct {
	Name    string
	Passed  bool
	Message string
}

// Report collects every check result in run order.
type Report struct {
	Results  []Result
	Duration time.Duration
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	return len(r.Failed()) == 0
}

// Failed returns the failed results.
func (r Report) Failed() []Result {
	return lo.Reject(r.Results, func(res Result, _ int) bool { return res.Passed })
}

// Passed returns the number of passed checks.
func (r Report) Passed() int {
	return lo.CountBy(r.Results, func(res Result) bool { return res.Passed })
}

// ExitCode is 0 when every check passed and 1 otherwise.
func (r Report) ExitCode() int {
	return lo.Ternary(r.OK(), core.ExitCodeSuccess, core.ExitCodeError)
}

// Checker runs the host checks. Every external touch point is replaceable
// so the checks can run against canned data.
type Checker struct {
	cfg           *core.Config
	output        io.Writer
	runner        Runner
	readFile      func(string) ([]byte, error)
	stat          func(string) (fs.FileInfo, error)
	lookPath      func(string) (string, error)
	diskFree      func(string) (int64, error)
	meminfoPath   string
	timeout       time.Duration
	dockerTimeout time.Duration
}

// NewChecker returns a Checker for cfg that talks to the real system.
func NewChecker(cfg *core.Config) *Checker {
	return &Checker{
		cfg:           cfg,
		output:        os.Stdout,
		runner:        ExecRunner{},
		readFile:      os.ReadFile,
		stat:          os.Stat,
		lookPath:      exec.LookPath,
		diskFree:      core.DiskFree,
		meminfoPath:   "/proc/meminfo",
		timeout:       10 * time.Second,
		dockerTimeout: 2 * time.Minute,
	}
}

// WithOutput sets where progress is printed.
func (c *Checker) WithOutput(w io.Writer) *Checker {
	c.output = w
	return c
}

// WithRunner replaces command execution.
func (c *Checker) WithRunner(r Runner) *Checker {
	c.runner = r
	return c
}

// WithReadFile replaces file reads (used for /proc/meminfo).
func (c *Checker) WithReadFile(fn func(string) ([]byte, error)) *Checker {
	c.readFile = fn
	return c
}

// WithStat replaces os.Stat for the model and binary checks.
func (c *Checker) WithStat(fn func(string) (fs.FileInfo, error)) *Checker {
	c.stat = fn
	return c
}

// WithLookPath replaces exec.LookPath.
func (c *Checker) WithLookPath(fn func(string) (string, error)) *Checker {
	c.lookPath = fn
	return c
}

// WithDiskFree replaces the free-space query.
func (c *Checker) WithDiskFree(fn func(string) (int64, error)) *Checker {
	c.diskFree = fn
	return c
}

// WithTimeout sets the per-command timeout.
func (c *Checker) WithTimeout(d time.Duration) *Checker {
	c.timeout = d
	return c
}

type check struct {
	name string
	fn   func(context.Context) Result
}

func (c *Checker) checks() []check {
	return []check{
		{"GPU", c.checkGPU},
		{"VRAM", c.checkVRAM},
		{"RAM", c.checkRAM},
		{"Disk", c.checkDisk},
		{"Docker", c.checkDocker},
		{"NVIDIA Container Toolkit", c.checkContainerToolkit},
		{"NVIDIA driver", c.checkDriver},
		{"Model files", c.checkModels},
		{"sd-server binary", c.checkBinary},
	}
}

// Run executes every check, printing each result as it completes, and
// returns the report. It never stops early.
func (c *Checker) Run(ctx context.Context) Report {
	start := time.Now()
	c.printHeader("Z-Image Pre-deployment Check")

	report := Report{}
	for _, chk := range c.checks() {
		res := chk.fn(ctx)
		report.Results = append(report.Results, res)
		c.printResult(res)
	}
	report.Duration = time.Since(start)

	c.printSummary(report)
	return report
}

func (c *Checker) printHeader(title string) {
	headerColor := color.New(color.FgCyan, color.Bold)
	headerColor.Fprintln(c.output, title)
	fmt.Fprintln(c.output, strings.Repeat("=", 50))
}

func (c *Checker) printResult(res Result) {
	if res.Passed {
		color.New(color.FgGreen).Fprintf(c.output, "  ✓ %s\n", res.Message)
		return
	}
	color.New(color.FgRed).Fprintf(c.output, "  ✗ %s\n", res.Message)
}

func (c *Checker) printSummary(report Report) {
	fmt.Fprintln(c.output)
	fmt.Fprintln(c.output, strings.Repeat("=", 50))

	failed := report.Failed()
	if len(failed) == 0 {
		color.New(color.FgGreen, color.Bold).Fprintf(c.output, "ALL %d CHECKS PASSED\n", report.Passed())
		return
	}
	color.New(color.FgRed, color.Bold).Fprintf(c.output, "FAILED: %d check(s) did not pass:\n", len(failed))
	for _, f := range failed {
		fmt.Fprintf(c.output, "  - %s\n", f.Message)
	}
}
