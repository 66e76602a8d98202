package core

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Generation limits enforced on every inbound request.
const (
	MinDimension  = 64
	MaxWidth      = 2048
	MaxHeight     = 2048
	DimensionUnit = 64

	MinSteps     = 1
	MaxSteps     = 150
	MaxBatchSize = 8

	MinCFGScale = 0.0
	MaxCFGScale = 30.0
)

// Fixed backend lifecycle timings.
const (
	DefaultHealthInterval = 2 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 300 * time.Second
	DefaultStopGrace      = 10 * time.Second
)

// BackendConfig describes how to launch and reach sd-server.
// It is built once at startup and treated as read-only afterwards.
type BackendConfig struct {
	// Binary is the sd-server executable.
	Binary string

	// Model files. LoraDir is only passed to the backend when it exists.
	ModelsDir      string
	DiffusionModel string
	VAEModel       string
	LLMModel       string
	LoraDir        string
	// ModelsManifest lists download sources and checksums for model files.
	ModelsManifest string

	// Host and Port the backend binds to.
	Host string
	Port int

	// Generation defaults handed to the backend on its command line.
	DefaultWidth    int
	DefaultHeight   int
	DefaultSteps    int
	DefaultCFGScale float64

	StartupTimeout time.Duration
	HealthInterval time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	StopGrace      time.Duration
}

// BaseURL returns the http base URL of the backend.
func (c BackendConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ModelName is the file name of the diffusion model, as reported by /health.
func (c BackendConfig) ModelName() string {
	return filepath.Base(c.DiffusionModel)
}

// GatewayConfig holds settings for the HTTP surface of the gateway.
type GatewayConfig struct {
	Host           string
	Port           int
	MaxUploadBytes int64
	HistoryDBPath  string
	// HistoryRetentionDays prunes older history rows at startup; 0 keeps all.
	HistoryRetentionDays int
	LogFile              string
	LogLevel             string
	DevMode              bool
	ShutdownTimeout      time.Duration
	// GPUMetricsInterval is the nvidia-smi sampling period; 0 disables it.
	GPUMetricsInterval time.Duration
}

// Addr returns host:port for the gateway listener.
func (c GatewayConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Config holds all configuration values.
type Config struct {
	ProjectRoot string
	Backend     BackendConfig
	Gateway     GatewayConfig
}

// LoadConfig builds the configuration from the optional YAML file named by
// GATEWAY_CONFIG_FILE, then environment variables, then fixed defaults.
func LoadConfig() (*Config, error) {
	var file FileConfig
	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		loaded, err := LoadFileConfig(path)
		if err != nil {
			return nil, err
		}
		file = *loaded
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	root := GetEnvOrDefault("PROJECT_ROOT", file.stringOr(file.ProjectRoot, cwd))

	modelsDir := GetEnvOrDefault("MODELS_DIR", file.stringOr(file.Backend.ModelsDir, filepath.Join(root, "models")))
	inModels := func(key, fileValue, def string) string {
		return filepath.Join(modelsDir, GetEnvOrDefault(key, file.stringOr(fileValue, def)))
	}

	cfg := &Config{
		ProjectRoot: root,
		Backend: BackendConfig{
			Binary: GetEnvOrDefault("SD_SERVER_BIN",
				file.stringOr(file.Backend.Binary, filepath.Join(root, "stable-diffusion.cpp", "build", "bin", "sd-server"))),
			ModelsDir:       modelsDir,
			DiffusionModel:  inModels("DIFFUSION_MODEL", file.Backend.DiffusionModel, "z_image_turbo-Q6_K.gguf"),
			VAEModel:        inModels("VAE_MODEL", file.Backend.VAEModel, "vae/split_files/vae/ae.safetensors"),
			LLMModel:        inModels("LLM_MODEL", file.Backend.LLMModel, "text_encoder/Qwen3-4B-Instruct-2507-Q4_K_M.gguf"),
			LoraDir:         inModels("LORA_DIR", file.Backend.LoraDir, "loras"),
			ModelsManifest:  GetEnvOrDefault("MODELS_MANIFEST", file.stringOr(file.Backend.ModelsManifest, filepath.Join(modelsDir, "manifest.yaml"))),
			Host:            GetEnvOrDefault("SD_SERVER_HOST", file.stringOr(file.Backend.Host, "127.0.0.1")),
			Port:            ParseIntEnv("SD_SERVER_PORT", file.intOr(file.Backend.Port, 7860)),
			DefaultWidth:    ParseIntEnv("DEFAULT_WIDTH", file.intOr(file.Defaults.Width, 1024)),
			DefaultHeight:   ParseIntEnv("DEFAULT_HEIGHT", file.intOr(file.Defaults.Height, 1024)),
			DefaultSteps:    ParseIntEnv("DEFAULT_STEPS", file.intOr(file.Defaults.Steps, 8)),
			DefaultCFGScale: ParseFloat64Env("DEFAULT_CFG_SCALE", file.floatOr(file.Defaults.CFGScale, 1.0)),
			StartupTimeout:  ParseDurationEnv("SD_SERVER_STARTUP_TIMEOUT", file.intOr(file.Backend.StartupTimeoutSeconds, 120)),
			HealthInterval:  DefaultHealthInterval,
			ConnectTimeout:  DefaultConnectTimeout,
			RequestTimeout:  DefaultRequestTimeout,
			StopGrace:       DefaultStopGrace,
		},
		Gateway: GatewayConfig{
			Host:                 GetEnvOrDefault("GATEWAY_HOST", file.stringOr(file.Gateway.Host, "0.0.0.0")),
			Port:                 ParseIntEnv("GATEWAY_PORT", file.intOr(file.Gateway.Port, 8000)),
			MaxUploadBytes:       ParseInt64Env("MAX_UPLOAD_MB", int64(file.intOr(file.Gateway.MaxUploadMB, 32))) * BytesPerMB,
			HistoryDBPath:        historyPath(file),
			HistoryRetentionDays: ParseIntEnv("HISTORY_RETENTION_DAYS", file.intOr(file.Gateway.HistoryRetentionDays, 30)),
			LogFile:              GetEnvOrDefault("LOG_FILE", file.stringOr(file.Gateway.LogFile, "gateway.log")),
			LogLevel:             GetEnvOrDefault("LOG_LEVEL", file.stringOr(file.Gateway.LogLevel, "info")),
			DevMode:              ParseBoolEnv("DEV_MODE", file.Gateway.DevMode),
			ShutdownTimeout:      ParseDurationEnv("SHUTDOWN_TIMEOUT", file.intOr(file.Gateway.ShutdownTimeoutSeconds, 30)),
			GPUMetricsInterval:   ParseDurationEnv("GPU_METRICS_INTERVAL", gpuIntervalSeconds(file)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// gpuIntervalSeconds lets the file set 0 explicitly to disable sampling.
func gpuIntervalSeconds(file FileConfig) int {
	if file.Gateway.GPUMetricsIntervalSeconds != nil {
		return *file.Gateway.GPUMetricsIntervalSeconds
	}
	return 5
}

// historyPath distinguishes an explicitly empty HISTORY_DB_PATH (disabled)
// from an unset one (default location).
func historyPath(file FileConfig) string {
	if value, ok := os.LookupEnv("HISTORY_DB_PATH"); ok {
		return value
	}
	if file.Gateway.HistoryDBPath != nil {
		return *file.Gateway.HistoryDBPath
	}
	return filepath.Join("data", "history.db")
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	b := c.Backend
	if b.Binary == "" {
		return ErrMissingConfig("SD_SERVER_BIN")
	}
	if b.Port < 1 || b.Port > 65535 {
		return ErrInvalidValue("SD_SERVER_PORT", strconv.Itoa(b.Port), "must be between 1 and 65535")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return ErrInvalidValue("GATEWAY_PORT", strconv.Itoa(c.Gateway.Port), "must be between 1 and 65535")
	}
	if b.StartupTimeout <= 0 {
		return ErrInvalidValue("SD_SERVER_STARTUP_TIMEOUT", b.StartupTimeout.String(), "must be positive")
	}
	if err := checkDimension("DEFAULT_WIDTH", b.DefaultWidth, MaxWidth); err != nil {
		return err
	}
	if err := checkDimension("DEFAULT_HEIGHT", b.DefaultHeight, MaxHeight); err != nil {
		return err
	}
	if b.DefaultSteps < MinSteps || b.DefaultSteps > MaxSteps {
		return ErrInvalidValue("DEFAULT_STEPS", strconv.Itoa(b.DefaultSteps),
			fmt.Sprintf("must be between %d and %d", MinSteps, MaxSteps))
	}
	if b.DefaultCFGScale < MinCFGScale || b.DefaultCFGScale > MaxCFGScale {
		return ErrInvalidValue("DEFAULT_CFG_SCALE", strconv.FormatFloat(b.DefaultCFGScale, 'f', -1, 64),
			fmt.Sprintf("must be between %.0f and %.0f", MinCFGScale, MaxCFGScale))
	}
	if c.Gateway.GPUMetricsInterval < 0 {
		return ErrInvalidValue("GPU_METRICS_INTERVAL", c.Gateway.GPUMetricsInterval.String(), "must not be negative")
	}
	if c.Gateway.MaxUploadBytes <= 0 {
		return ErrInvalidValue("MAX_UPLOAD_MB", strconv.FormatInt(c.Gateway.MaxUploadBytes/BytesPerMB, 10), "must be positive")
	}
	return nil
}

func checkDimension(name string, value, max int) error {
	if value < MinDimension || value > max || value%DimensionUnit != 0 {
		return ErrInvalidValue(name, strconv.Itoa(value),
			fmt.Sprintf("must be a multiple of %d between %d and %d", DimensionUnit, MinDimension, max))
	}
	return nil
}
