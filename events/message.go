// Package events pushes live gateway activity to websocket subscribers:
// finished generations, GPU samples and backend state changes.
package events

import "time"

// Message types.
const (
	TypeGeneration = "generation"
	TypeGPU        = "gpu"
	TypeBackend    = "backend"
)

// Message is the envelope every subscriber receives.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// BackendState is the payload of a TypeBackend message.
type BackendState struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
