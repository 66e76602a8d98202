package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the optional YAML configuration file. Zero values mean
// "not set" and fall through to the built-in defaults; environment variables
// always win over the file.
//
// Example:
//
//	project_root: /opt/z-image
//	backend:
//	  binary: /opt/sd/bin/sd-server
//	  port: 7860
//	defaults:
//	  width: 768
//	gateway:
//	  port: 8080
//	  history_db_path: ""   # disables history
type FileConfig struct {
	ProjectRoot string `yaml:"project_root"`

	Backend struct {
		Binary                string `yaml:"binary"`
		ModelsDir             string `yaml:"models_dir"`
		DiffusionModel        string `yaml:"diffusion_model"`
		VAEModel              string `yaml:"vae_model"`
		LLMModel              string `yaml:"llm_model"`
		LoraDir               string `yaml:"lora_dir"`
		ModelsManifest        string `yaml:"models_manifest"`
		Host                  string `yaml:"host"`
		Port                  int    `yaml:"port"`
		StartupTimeoutSeconds int    `yaml:"startup_timeout_seconds"`
	} `yaml:"backend"`

	Defaults struct {
		Width    int     `yaml:"width"`
		Height   int     `yaml:"height"`
		Steps    int     `yaml:"steps"`
		CFGScale float64 `yaml:"cfg_scale"`
	} `yaml:"defaults"`

	Gateway struct {
		Host                   string  `yaml:"host"`
		Port                   int     `yaml:"port"`
		MaxUploadMB            int     `yaml:"max_upload_mb"`
		HistoryDBPath          *string `yaml:"history_db_path"`
		HistoryRetentionDays   int     `yaml:"history_retention_days"`
		LogFile                string  `yaml:"log_file"`
		LogLevel               string  `yaml:"log_level"`
		DevMode                bool    `yaml:"dev_mode"`
		ShutdownTimeoutSeconds int     `yaml:"shutdown_timeout_seconds"`
		// GPUMetricsIntervalSeconds distinguishes an explicit 0 (disabled) from unset.
		GPUMetricsIntervalSeconds *int `yaml:"gpu_metrics_interval_seconds"`
	} `yaml:"gateway"`
}

// LoadFileConfig reads and decodes a YAML configuration file.
// Unknown keys are rejected so typos surface at startup.
func LoadFileConfig(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{
			Code:    ErrCodeConfigFile,
			Message: fmt.Sprintf("Cannot open configuration file %s: %v", path, err),
			Action:  "Check GATEWAY_CONFIG_FILE or unset it to use environment variables only",
		}
	}
	defer f.Close()

	var cfg FileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{
			Code:    ErrCodeConfigFile,
			Message: fmt.Sprintf("Invalid configuration file %s: %v", path, err),
			Action:  "Fix the YAML syntax or remove the unknown keys",
		}
	}
	return &cfg, nil
}

func (FileConfig) stringOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func (FileConfig) intOr(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func (FileConfig) floatOr(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}
