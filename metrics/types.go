// Package metrics keeps in-memory generation statistics and GPU samples for
// the /api/v1/metrics endpoint and the live event stream.
package metrics

import "time"

// Generation is one finished generation request.
type Generation struct {
	RequestID  string        `json:"request_id"`
	Kind       string        `json:"kind"`
	StatusCode int           `json:"status_code"`
	Images     int           `json:"images"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	At         time.Time     `json:"at"`
}

// Succeeded reports whether the backend returned images.
func (g Generation) Succeeded() bool {
	return g.StatusCode >= 200 && g.StatusCode < 300
}

// GPUMetrics is one nvidia-smi sample for one device. Memory is in bytes.
type GPUMetrics struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Utilization float64 `json:"utilization"`
	Temperature float64 `json:"temperature"`
	MemoryTotal int64   `json:"memory_total"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryFree  int64   `json:"memory_free"`
}

// KindStats aggregates one generation kind.
type KindStats struct {
	Count         int64   `json:"count"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	Images        int64   `json:"images"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
}

// Snapshot is the body of GET /api/v1/metrics.
type Snapshot struct {
	Version       string               `json:"version"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Totals        KindStats            `json:"totals"`
	ByKind        map[string]KindStats `json:"by_kind"`
	Recent        []Generation         `json:"recent"`
	GPU           []GPUMetrics         `json:"gpu"`
	GPUSampledAt  *time.Time           `json:"gpu_sampled_at,omitempty"`
}
