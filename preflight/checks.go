package preflight

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"zimage_gateway/core"

	"github.com/samber/lo"
)

// Minimum requirements.
const (
	MinVRAMGB      = 6
	MinRAMGB       = 12
	MinDiskGB      = 15
	MinDriverMajor = 525

	// CUDAProbeImage is run with --gpus all to prove GPU passthrough works.
	CUDAProbeImage = "nvidia/cuda:12.0.0-base-ubuntu22.04"
)

const (
	dockerInstallURL  = "https://docs.docker.com/engine/install/"
	toolkitInstallURL = "https://docs.nvidia.com/datacenter/cloud-native/container-toolkit/install-guide.html"
	buildHint         = "cd stable-diffusion.cpp && mkdir -p build && cd build && cmake .. -DSD_CUDA=ON && cmake --build . --config Release"
)

func pass(name, format string, args ...any) Result {
	return Result{Name: name, Passed: true, Message: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) Result {
	return Result{Name: name, Passed: false, Message: fmt.Sprintf(format, args...)}
}

// lines splits command output into trimmed, non-empty lines.
func lines(out string) []string {
	return lo.FilterMap(strings.Split(out, "\n"), func(l string, _ int) (string, bool) {
		l = strings.TrimSpace(l)
		return l, l != ""
	})
}

func (c *Checker) run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.runner.Run(ctx, name, args...)
}

func (c *Checker) checkGPU(ctx context.Context) Result {
	const name = "GPU"
	out, err := c.run(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	gpus := lines(out)
	if err != nil || len(gpus) == 0 {
		return fail(name, "No NVIDIA GPU detected (nvidia-smi failed). CUDA GPU required.")
	}
	return pass(name, "NVIDIA GPU detected: %s", strings.Join(gpus, ", "))
}

// checkVRAM uses the smallest GPU.
func (c *Checker) checkVRAM(ctx context.Context) Result {
	const name = "VRAM"
	out, err := c.run(ctx, "nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return fail(name, "Cannot query VRAM (nvidia-smi failed)")
	}

	var sizes []int
	for _, l := range lines(out) {
		mb, err := strconv.Atoi(l)
		if err != nil {
			return fail(name, "Cannot parse VRAM from nvidia-smi output: %s", strings.TrimSpace(out))
		}
		sizes = append(sizes, mb)
	}
	if len(sizes) == 0 {
		return fail(name, "Cannot parse VRAM from nvidia-smi output: %s", strings.TrimSpace(out))
	}

	gb := float64(lo.Min(sizes)) / 1024
	if gb >= MinVRAMGB {
		return pass(name, "VRAM: %.1f GB (min %d GB)", gb, MinVRAMGB)
	}
	return fail(name, "VRAM: %.1f GB, need at least %d GB (Q4_K needs ~4 GB, Q6_K needs ~6 GB)", gb, MinVRAMGB)
}

func (c *Checker) checkRAM(context.Context) Result {
	const name = "RAM"
	data, err := c.readFile(c.meminfoPath)
	if err != nil {
		return fail(name, "Cannot read %s", c.meminfoPath)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			break
		}
		gb := core.GB(kb * core.BytesPerKB)
		if gb >= MinRAMGB {
			return pass(name, "RAM: %.1f GB (min %d GB)", gb, MinRAMGB)
		}
		return fail(name, "RAM: %.1f GB, need at least %d GB (model offloading uses ~8 GB)", gb, MinRAMGB)
	}
	return fail(name, "Cannot read MemTotal from %s", c.meminfoPath)
}

func (c *Checker) checkDisk(context.Context) Result {
	const name = "Disk"
	free, err := c.diskFree(c.cfg.ProjectRoot)
	if err != nil {
		return fail(name, "Cannot check disk space: %v", err)
	}
	gb := core.GB(free)
	if gb >= MinDiskGB {
		return pass(name, "Disk: %.1f GB free (min %d GB)", gb, MinDiskGB)
	}
	return fail(name, "Disk: %.1f GB free, need at least %d GB (models ~8 GB + docker layers + temp)", gb, MinDiskGB)
}

func (c *Checker) checkDocker(ctx context.Context) Result {
	const name = "Docker"
	if _, err := c.lookPath("docker"); err != nil {
		return fail(name, "Docker not installed. Install: %s", dockerInstallURL)
	}
	if _, err := c.run(ctx, "docker", "info"); err != nil {
		return fail(name, "Docker is installed but not running (or permission denied). Try: sudo systemctl start docker")
	}
	return pass(name, "Docker is installed and running")
}

// checkContainerToolkit runs a CUDA container; when that fails the dpkg
// package state picks the hint.
func (c *Checker) checkContainerToolkit(ctx context.Context) Result {
	const name = "NVIDIA Container Toolkit"
	ctx, cancel := context.WithTimeout(ctx, c.dockerTimeout)
	defer cancel()
	if _, err := c.runner.Run(ctx, "docker", "run", "--rm", "--gpus", "all", CUDAProbeImage, "nvidia-smi"); err == nil {
		return pass(name, "NVIDIA Container Toolkit working (docker --gpus)")
	}
	if _, err := c.run(ctx, "dpkg", "-l", "nvidia-container-toolkit"); err == nil {
		return fail(name, "nvidia-container-toolkit installed but GPU passthrough failed. Try: sudo systemctl restart docker")
	}
	return fail(name, "NVIDIA Container Toolkit not detected. Install: %s", toolkitInstallURL)
}

func (c *Checker) checkDriver(ctx context.Context) Result {
	const name = "NVIDIA driver"
	out, err := c.run(ctx, "nvidia-smi", "--query-gpu=driver_version", "--format=csv,noheader")
	if err != nil {
		return fail(name, "Cannot query CUDA driver version")
	}
	versions := lines(out)
	if len(versions) == 0 {
		return fail(name, "Cannot parse driver version: %s", strings.TrimSpace(out))
	}
	version := versions[0]
	majorStr, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return fail(name, "Cannot parse driver version: %s", version)
	}
	if major >= MinDriverMajor {
		return pass(name, "NVIDIA driver: %s (min %d.x for CUDA 12.x)", version, MinDriverMajor)
	}
	return fail(name, "NVIDIA driver: %s, need >= %d.x for CUDA 12.x compatibility", version, MinDriverMajor)
}

func (c *Checker) checkModels(context.Context) Result {
	const name = "Model files"
	b := c.cfg.Backend
	required := []string{b.DiffusionModel, b.VAEModel, b.LLMModel}

	missing := lo.FilterMap(required, func(path string, _ int) (string, bool) {
		if _, err := c.stat(path); err == nil {
			return "", false
		}
		if rel, err := filepath.Rel(b.ModelsDir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel), true
		}
		return path, true
	})
	if len(missing) > 0 {
		return fail(name, "Missing model files: %s", strings.Join(missing, ", "))
	}
	return pass(name, "All %d model files present in %s", len(required), b.ModelsDir)
}

func (c *Checker) checkBinary(context.Context) Result {
	const name = "sd-server binary"
	bin := c.cfg.Backend.Binary
	info, err := c.stat(bin)
	if err == nil && !info.IsDir() && (info.Mode()&0o111 != 0 || runtime.GOOS == "windows") {
		return pass(name, "sd-server binary found: %s", bin)
	}
	return fail(name, "sd-server binary not found at %s. Build with: %s", bin, buildHint)
}
