package client

import "time"

// ServiceStatus mirrors the daemon's status JSON for one service.
type ServiceStatus struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	PID           int        `json:"pid,omitempty"`
	ProcStartUnix int64      `json:"proc_start_unix,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	RestartCount  int        `json:"restart_count"`
	Health        string     `json:"health,omitempty"`
}

// Running reports whether the daemon considered the service running at
// the time of the snapshot.
func (s ServiceStatus) Running() bool { return s.Status == "running" }

// DaemonHealth is the daemon's own liveness summary.
type DaemonHealth struct {
	Status   string `json:"status"`
	Services int    `json:"services"`
	Running  int    `json:"running"`
}

// ErrorResponse represents an API error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}
