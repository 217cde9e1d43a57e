package state

import (
	"time"

	"github.com/loopwork/svcman/internal/service"
)

// Status is a service's lifecycle phase. Stopped, running, failed and unknown
// are the durable steady states; starting, stopping and restarting are
// short-lived transitions that are persisted anyway so an observer polling
// mid-transition sees where the service is headed.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusRestarting Status = "restarting"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// Health is the verdict of the most recent health check.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// State is the persisted runtime record of one service. The supervisor is
// the only writer; status and list readers never mutate it.
type State struct {
	Name            string         `json:"name"`
	Status          Status         `json:"status"`
	PID             int            `json:"pid,omitempty"`
	ProcStartUnix   int64          `json:"proc_start_unix,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	StoppedAt       *time.Time     `json:"stopped_at,omitempty"`
	RestartCount    int            `json:"restart_count"`
	LastHealthCheck *time.Time     `json:"last_health_check,omitempty"`
	Health          Health         `json:"health,omitempty"`
	Config          service.Config `json:"config"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// New returns the initial record for a registered service.
func New(cfg service.Config) State {
	return State{
		Name:   cfg.Name,
		Status: StatusStopped,
		Health: HealthUnknown,
		Config: cfg.Clone(),
	}
}

// Uptime reports how long the service has been up, zero when not running.
func (s *State) Uptime(now time.Time) time.Duration {
	if s.Status != StatusRunning || s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

// Running reports whether the record claims a live process.
func (s *State) Running() bool {
	return s.Status == StatusRunning && s.PID > 0
}
