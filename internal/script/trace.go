package script

import "time"

// TraceStep records one executed step.
type TraceStep struct {
	Path      string         `json:"path"`
	Kind      string         `json:"kind"`
	Alias     string         `json:"alias,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
