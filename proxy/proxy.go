package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"zimage_gateway/sdapi"
	"zimage_gateway/sdserver"

	"go.uber.org/zap"
)

// ClientSource hands out the shared sd-server client. *sdserver.Supervisor
// satisfies it.
type ClientSource interface {
	Client() *sdserver.Client
}

// Proxy forwards calls to sd-server. Requests are not retried.
type Proxy struct {
	clients ClientSource
	logger  *zap.Logger
}

// New returns a Proxy using clients.
func New(clients ClientSource, logger *zap.Logger) *Proxy {
	return &Proxy{clients: clients, logger: logger.Named("proxy")}
}

// backendResponse mirrors sd-server's generation body. Every field is
// optional.
type backendResponse struct {
	Images     []string        `json:"images"`
	Parameters map[string]any  `json:"parameters"`
	Info       json.RawMessage `json:"info"`
}

// Generate POSTs payload to endpoint and reshapes the answer. Missing images,
// parameters or info come back as an empty list, map and string.
func (p *Proxy) Generate(ctx context.Context, endpoint string, payload any) (*sdapi.GenerationResponse, error) {
	start := time.Now()
	resp, err := p.clients.Client().PostJSON(ctx, endpoint, payload)
	if err != nil {
		err = classify(ctx, err)
		p.logger.Warn("generation request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(ctx, resp)
	if err != nil {
		return nil, err
	}
	if !success(resp.StatusCode) {
		be := backendError(resp.StatusCode, body)
		p.logger.Warn("sd-server rejected request",
			zap.String("endpoint", endpoint),
			zap.Int("status", be.Status),
			zap.String("detail", be.Detail),
		)
		return nil, be
	}

	var br backendResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, &BackendError{Status: http.StatusBadGateway, Detail: "invalid JSON from sd-server: " + err.Error()}
	}

	out := &sdapi.GenerationResponse{
		Images:     br.Images,
		Parameters: br.Parameters,
		Info:       infoString(br.Info),
	}
	if out.Images == nil {
		out.Images = []string{}
	}
	if out.Parameters == nil {
		out.Parameters = map[string]any{}
	}

	p.logger.Debug("generation complete",
		zap.String("endpoint", endpoint),
		zap.Int("images", len(out.Images)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// List GETs endpoint and decodes a JSON array into []T. A null body yields
// an empty slice.
func List[T any](ctx context.Context, p *Proxy, endpoint string) ([]T, error) {
	resp, err := p.clients.Client().Get(ctx, endpoint)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := readBody(ctx, resp)
	if err != nil {
		return nil, err
	}
	if !success(resp.StatusCode) {
		return nil, backendError(resp.StatusCode, body)
	}

	var items []T
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &BackendError{Status: http.StatusBadGateway, Detail: "invalid JSON from sd-server: " + err.Error()}
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// Samplers lists the backend's samplers.
func (p *Proxy) Samplers(ctx context.Context) ([]sdapi.SamplerInfo, error) {
	return List[sdapi.SamplerInfo](ctx, p, sdapi.EndpointSamplers)
}

// Schedulers lists the backend's schedulers.
func (p *Proxy) Schedulers(ctx context.Context) ([]sdapi.SchedulerInfo, error) {
	return List[sdapi.SchedulerInfo](ctx, p, sdapi.EndpointSchedulers)
}

// Loras lists the LoRA files the backend found.
func (p *Proxy) Loras(ctx context.Context) ([]sdapi.LoraInfo, error) {
	return List[sdapi.LoraInfo](ctx, p, sdapi.EndpointLoras)
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func readBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return body, nil
}

// backendError prefers the "error" field of a JSON object body and falls
// back to the raw text.
func backendError(status int, body []byte) *BackendError {
	detail := string(bytes.TrimSpace(body))

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil {
		if raw, ok := obj["error"]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				detail = s
			} else {
				detail = string(raw)
			}
		}
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	return &BackendError{Status: status, Detail: detail}
}

// infoString returns info as text whether sd-server sent a JSON string or
// an object.
func infoString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
