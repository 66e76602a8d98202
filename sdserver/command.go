package sdserver

import (
	"os"
	"strconv"
	"strings"

	"zimage_gateway/core"
)

// Fixed performance flags passed on every launch.
var performanceFlags = []string{"--diffusion-fa", "--offload-to-cpu"}

// BuildArgs returns the sd-server arguments for cfg, excluding the binary.
// --lora-model-dir is appended only when cfg.LoraDir is an existing directory.
func BuildArgs(cfg core.BackendConfig) []string {
	args := []string{
		"--diffusion-model", cfg.DiffusionModel,
		"--vae", cfg.VAEModel,
		"--llm", cfg.LLMModel,
		"--listen-port", strconv.Itoa(cfg.Port),
		"-l", cfg.Host,
		"--cfg-scale", formatFloat(cfg.DefaultCFGScale),
		"--steps", strconv.Itoa(cfg.DefaultSteps),
		"-H", strconv.Itoa(cfg.DefaultHeight),
		"-W", strconv.Itoa(cfg.DefaultWidth),
	}
	args = append(args, performanceFlags...)

	if cfg.LoraDir != "" {
		if info, err := os.Stat(cfg.LoraDir); err == nil && info.IsDir() {
			args = append(args, "--lora-model-dir", cfg.LoraDir)
		}
	}
	return args
}

// formatFloat always keeps a fractional part, so 1 renders as "1.0".
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if strings.ContainsAny(s, ".NI") {
		return s
	}
	return s + ".0"
}
