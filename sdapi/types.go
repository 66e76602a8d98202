// Package sdapi holds the gateway's request and response schema, its
// validation rules and the translation into sd-server's /sdapi/v1 payloads.
package sdapi

import "zimage_gateway/core"

// Backend endpoints.
const (
	EndpointTxt2Img    = "/sdapi/v1/txt2img"
	EndpointImg2Img    = "/sdapi/v1/img2img"
	EndpointSamplers   = "/sdapi/v1/samplers"
	EndpointSchedulers = "/sdapi/v1/schedulers"
	EndpointLoras      = "/sdapi/v1/loras"
)

// Request defaults not taken from configuration.
const (
	RandomSeed      int64   = -1
	DefaultBatch            = 1
	DefaultClipSkip         = -1
	DefaultStrength float64 = 0.75
)

// GenerationParams are the fields shared by every generation request.
type GenerationParams struct {
	Prompt         string  `json:"prompt" validate:"required"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width" validate:"min=64,max=2048,multiple64"`
	Height         int     `json:"height" validate:"min=64,max=2048,multiple64"`
	Steps          int     `json:"steps" validate:"min=1,max=150"`
	CFGScale       float64 `json:"cfg_scale" validate:"gte=0,lte=30"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size" validate:"min=1,max=8"`
	SamplerName    string  `json:"sampler_name"`
	Scheduler      string  `json:"scheduler"`
	ClipSkip       int     `json:"clip_skip"`
}

// Txt2ImgRequest is the JSON body of POST /api/v1/txt2img.
type Txt2ImgRequest struct {
	GenerationParams
}

// Img2ImgRequest is built from the multipart form of POST /api/v1/img2img.
type Img2ImgRequest struct {
	GenerationParams
	Strength float64 `json:"strength" validate:"gte=0,lte=1"`
	Image    []byte  `json:"-" form:"image" validate:"required,min=1"`
}

// InpaintRequest is built from the multipart form of POST /api/v1/inpaint.
type InpaintRequest struct {
	Img2ImgRequest
	InpaintingMaskInvert bool   `json:"inpainting_mask_invert"`
	Mask                 []byte `json:"-" form:"mask" validate:"required,min=1"`
}

// DefaultParams returns GenerationParams filled with the configured defaults
// and an empty prompt.
func DefaultParams(cfg core.BackendConfig) GenerationParams {
	return GenerationParams{
		Width:     cfg.DefaultWidth,
		Height:    cfg.DefaultHeight,
		Steps:     cfg.DefaultSteps,
		CFGScale:  cfg.DefaultCFGScale,
		Seed:      RandomSeed,
		BatchSize: DefaultBatch,
		ClipSkip:  DefaultClipSkip,
	}
}

// GenerationResponse is returned by every generation endpoint.
type GenerationResponse struct {
	Images     []string       `json:"images"`
	Parameters map[string]any `json:"parameters"`
	Info       string         `json:"info"`
}

// SamplerInfo is one entry of GET /api/v1/samplers.
type SamplerInfo struct {
	Name    string         `json:"name"`
	Aliases []string       `json:"aliases"`
	Options map[string]any `json:"options"`
}

// SchedulerInfo is one entry of GET /api/v1/schedulers.
type SchedulerInfo struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// LoraInfo is one entry of GET /api/v1/loras.
type LoraInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Health values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	BackendRunning = "running"
	BackendStopped = "stopped"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status          string  `json:"status"`
	SDServer        string  `json:"sd_server"`
	Model           string  `json:"model"`
	DefaultWidth    int     `json:"default_width"`
	DefaultHeight   int     `json:"default_height"`
	DefaultSteps    int     `json:"default_steps"`
	DefaultCFGScale float64 `json:"default_cfg_scale"`
	PID             int     `json:"pid,omitempty"`
	UptimeSeconds   float64 `json:"uptime_seconds,omitempty"`
}

// ErrorResponse is the body of every gateway error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
