package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearConfigEnv unsets every variable LoadConfig reads so host settings do
// not leak into the test.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"GATEWAY_CONFIG_FILE", "PROJECT_ROOT", "SD_SERVER_BIN", "MODELS_DIR",
		"DIFFUSION_MODEL", "VAE_MODEL", "LLM_MODEL", "LORA_DIR", "MODELS_MANIFEST",
		"SD_SERVER_HOST", "SD_SERVER_PORT", "DEFAULT_WIDTH", "DEFAULT_HEIGHT",
		"DEFAULT_STEPS", "DEFAULT_CFG_SCALE", "SD_SERVER_STARTUP_TIMEOUT",
		"GATEWAY_HOST", "GATEWAY_PORT", "MAX_UPLOAD_MB", "HISTORY_DB_PATH",
		"HISTORY_RETENTION_DAYS", "LOG_FILE", "LOG_LEVEL", "DEV_MODE", "SHUTDOWN_TIMEOUT",
		"GPU_METRICS_INTERVAL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)
	root := t.TempDir()
	t.Setenv("PROJECT_ROOT", root)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	b := cfg.Backend
	if want := filepath.Join(root, "stable-diffusion.cpp", "build", "bin", "sd-server"); b.Binary != want {
		t.Errorf("Binary = %q, want %q", b.Binary, want)
	}
	if want := filepath.Join(root, "models", "z_image_turbo-Q6_K.gguf"); b.DiffusionModel != want {
		t.Errorf("DiffusionModel = %q, want %q", b.DiffusionModel, want)
	}
	if want := filepath.Join(root, "models", "loras"); b.LoraDir != want {
		t.Errorf("LoraDir = %q, want %q", b.LoraDir, want)
	}
	if want := filepath.Join(root, "models", "manifest.yaml"); b.ModelsManifest != want {
		t.Errorf("ModelsManifest = %q, want %q", b.ModelsManifest, want)
	}
	if b.Host != "127.0.0.1" || b.Port != 7860 {
		t.Errorf("backend addr = %s:%d, want 127.0.0.1:7860", b.Host, b.Port)
	}
	if b.DefaultWidth != 1024 || b.DefaultHeight != 1024 || b.DefaultSteps != 8 || b.DefaultCFGScale != 1.0 {
		t.Errorf("unexpected generation defaults: %+v", b)
	}
	if b.StartupTimeout != 120*time.Second {
		t.Errorf("StartupTimeout = %v, want 120s", b.StartupTimeout)
	}
	if b.HealthInterval != 2*time.Second || b.StopGrace != 10*time.Second {
		t.Errorf("unexpected lifecycle timings: interval=%v grace=%v", b.HealthInterval, b.StopGrace)
	}
	if b.BaseURL() != "http://127.0.0.1:7860" {
		t.Errorf("BaseURL() = %q", b.BaseURL())
	}
	if b.ModelName() != "z_image_turbo-Q6_K.gguf" {
		t.Errorf("ModelName() = %q", b.ModelName())
	}

	g := cfg.Gateway
	if g.Addr() != "0.0.0.0:8000" {
		t.Errorf("gateway Addr() = %q", g.Addr())
	}
	if g.MaxUploadBytes != 32*BytesPerMB {
		t.Errorf("MaxUploadBytes = %d", g.MaxUploadBytes)
	}
	if g.GPUMetricsInterval != 5*time.Second {
		t.Errorf("GPUMetricsInterval = %v, want 5s", g.GPUMetricsInterval)
	}
	if g.HistoryRetentionDays != 30 {
		t.Errorf("HistoryRetentionDays = %d", g.HistoryRetentionDays)
	}
	if g.HistoryDBPath != filepath.Join("data", "history.db") {
		t.Errorf("HistoryDBPath = %q", g.HistoryDBPath)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SD_SERVER_BIN", "/opt/sd/sd-server")
	t.Setenv("MODELS_DIR", "/models")
	t.Setenv("DIFFUSION_MODEL", "custom.gguf")
	t.Setenv("SD_SERVER_PORT", "9000")
	t.Setenv("DEFAULT_WIDTH", "512")
	t.Setenv("SD_SERVER_STARTUP_TIMEOUT", "30")
	t.Setenv("HISTORY_DB_PATH", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Backend.Binary != "/opt/sd/sd-server" {
		t.Errorf("Binary = %q", cfg.Backend.Binary)
	}
	if cfg.Backend.DiffusionModel != filepath.Join("/models", "custom.gguf") {
		t.Errorf("DiffusionModel = %q", cfg.Backend.DiffusionModel)
	}
	if cfg.Backend.Port != 9000 || cfg.Backend.DefaultWidth != 512 {
		t.Errorf("overrides not applied: %+v", cfg.Backend)
	}
	if cfg.Backend.StartupTimeout != 30*time.Second {
		t.Errorf("StartupTimeout = %v", cfg.Backend.StartupTimeout)
	}
	if cfg.Gateway.HistoryDBPath != "" {
		t.Errorf("explicit empty HISTORY_DB_PATH should disable history, got %q", cfg.Gateway.HistoryDBPath)
	}
}

func TestLoadConfig_YAMLFileWithEnvPrecedence(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `project_root: /srv/zimage
backend:
  port: 7000
  startup_timeout_seconds: 60
defaults:
  steps: 12
gateway:
  port: 8081
  history_db_path: ""
  gpu_metrics_interval_seconds: 0
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GATEWAY_CONFIG_FILE", path)
	t.Setenv("GATEWAY_PORT", "9090")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ProjectRoot != "/srv/zimage" {
		t.Errorf("ProjectRoot = %q", cfg.ProjectRoot)
	}
	if cfg.Backend.Port != 7000 || cfg.Backend.DefaultSteps != 12 {
		t.Errorf("file values not applied: %+v", cfg.Backend)
	}
	if cfg.Backend.StartupTimeout != 60*time.Second {
		t.Errorf("StartupTimeout = %v", cfg.Backend.StartupTimeout)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("env should win over file, port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.HistoryDBPath != "" {
		t.Errorf("file should disable history, got %q", cfg.Gateway.HistoryDBPath)
	}
	if cfg.Gateway.GPUMetricsInterval != 0 {
		t.Errorf("file should disable GPU sampling, got %v", cfg.Gateway.GPUMetricsInterval)
	}
}

func TestLoadFileConfig_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  prot: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFileConfig(path)
	if GetErrorCode(err) != ErrCodeConfigFile {
		t.Fatalf("expected %s error, got %v", ErrCodeConfigFile, err)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Backend: BackendConfig{
				Binary: "/bin/sd-server", Port: 7860,
				DefaultWidth: 1024, DefaultHeight: 1024, DefaultSteps: 8, DefaultCFGScale: 1,
				StartupTimeout: time.Minute,
			},
			Gateway: GatewayConfig{Port: 8000, MaxUploadBytes: BytesPerMB},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		code   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing binary", func(c *Config) { c.Backend.Binary = "" }, ErrCodeMissingConfig},
		{"backend port", func(c *Config) { c.Backend.Port = 0 }, ErrCodeInvalidValue},
		{"gateway port", func(c *Config) { c.Gateway.Port = 70000 }, ErrCodeInvalidValue},
		{"width not multiple", func(c *Config) { c.Backend.DefaultWidth = 1000 }, ErrCodeInvalidValue},
		{"height too large", func(c *Config) { c.Backend.DefaultHeight = 4096 }, ErrCodeInvalidValue},
		{"steps", func(c *Config) { c.Backend.DefaultSteps = 0 }, ErrCodeInvalidValue},
		{"cfg", func(c *Config) { c.Backend.DefaultCFGScale = 31 }, ErrCodeInvalidValue},
		{"timeout", func(c *Config) { c.Backend.StartupTimeout = 0 }, ErrCodeInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if got := GetErrorCode(err); got != tt.code {
				t.Errorf("Validate() code = %q, want %q (err: %v)", got, tt.code, err)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{-5, "0 B"},
		{512, "512 B"},
		{1536, "1.50 KB"},
		{6 * BytesPerGB, "6.00 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
