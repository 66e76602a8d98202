// Package preflight checks that a host can run the gateway: an NVIDIA GPU
// with enough VRAM, enough RAM and disk, a working Docker GPU runtime, a
// recent driver, the model files and the sd-server binary.
//
// It is a diagnostic tool only; the gateway never consults it at runtime.
package preflight

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args. A non-zero exit, a missing binary or an
// expired ctx are all returned as errors; stderr is attached to the error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), fmt.Errorf("%s timed out", name)
		}
		return stdout.String(), fmt.Errorf("%s failed: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
