package core

import "context"

// BackendHealth describes the metadata backend.
type BackendHealth struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker reports metadata backend health.
type HealthChecker interface {
	Health(ctx context.Context) (BackendHealth, error)
}

// Version is the coordinator version, overridden at link time.
var Version = "dev"

// MediaType is the content type of API responses.
const MediaType = "application/json"

// HealthResponse is served by the health endpoint.
type HealthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Backend       BackendHealth `json:"backend"`
	Regions       int           `json:"regions"`
	PendingScans  int           `json:"pending_scans"`
}
