package service

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loopwork/svcman/internal/logger"
)

// Type selects the default health strategy for a service.
type Type string

const (
	TypeHTTP   Type = "http"
	TypeWorker Type = "worker"
	TypeDaemon Type = "daemon"
)

// RestartPolicy governs the supervisor's reaction to a process exit.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Defaults applied by Normalize when the corresponding field is zero.
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8000
	DefaultStartTimeout   = 10 * time.Second
	DefaultStartDuration  = 1 * time.Second
	DefaultStopGrace      = 10 * time.Second
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultRestartDelay   = 2 * time.Second
	DefaultMaxRestarts    = 5
	DefaultRestartWindow  = 5 * time.Minute
	DefaultLogTailLines   = 50
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidName reports whether name is safe to use as a lookup key and a
// state/log filename stem.
func ValidName(name string) bool {
	return name != "" && nameRe.MatchString(name)
}

// Config describes a managed service. It is declarative: the registry stores
// a clone at registration time and hands out clones, so a Config never
// changes under a running supervisor.
type Config struct {
	Name        string            `json:"name" mapstructure:"name"`
	Description string            `json:"description,omitempty" mapstructure:"description"`
	Type        Type              `json:"type,omitempty" mapstructure:"type"`
	Host        string            `json:"host,omitempty" mapstructure:"host"`
	Port        int               `json:"port,omitempty" mapstructure:"port"`
	Restart     RestartPolicy     `json:"restart,omitempty" mapstructure:"restart"`
	HealthCheck string            `json:"health_check,omitempty" mapstructure:"health_check"` // "/path" for HTTP, otherwise a registered probe name
	Command     string            `json:"command" mapstructure:"command"`
	WorkDir     string            `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Env         map[string]string `json:"env,omitempty" mapstructure:"env"`

	StartTimeout   time.Duration `json:"start_timeout,omitempty" mapstructure:"start_timeout"`     // max wait for readiness
	StartDuration  time.Duration `json:"start_duration,omitempty" mapstructure:"start_duration"`   // min uptime when no health check is configured
	StopGrace      time.Duration `json:"stop_grace,omitempty" mapstructure:"stop_grace"`           // SIGTERM grace before SIGKILL
	HealthInterval time.Duration `json:"health_interval,omitempty" mapstructure:"health_interval"` // periodic health cadence
	HealthTimeout  time.Duration `json:"health_timeout,omitempty" mapstructure:"health_timeout"`   // per-probe bound
	RestartDelay   time.Duration `json:"restart_delay,omitempty" mapstructure:"restart_delay"`     // wait before a crash-triggered relaunch
	MaxRestarts    int           `json:"max_restarts,omitempty" mapstructure:"max_restarts"`       // cap within RestartWindow
	RestartWindow  time.Duration `json:"restart_window,omitempty" mapstructure:"restart_window"`   // sliding window for MaxRestarts

	Schedule string        `json:"schedule,omitempty" mapstructure:"schedule"` // "@every <dur>" makes this a periodic one-shot
	Log      logger.Config `json:"log,omitempty" mapstructure:"log"`
}

// Normalize fills zero tunables with defaults and derives host/port when only
// one side of an HTTP address is set. Registry.Register normalizes before
// storing, so supervisors always see resolved values.
func (c *Config) Normalize() {
	if c.Type == "" {
		c.Type = TypeDaemon
	}
	if c.Restart == "" {
		c.Restart = RestartNever
	}
	if c.Type == TypeHTTP || strings.HasPrefix(c.HealthCheck, "/") {
		if c.Host == "" {
			c.Host = DefaultHost
		}
		if c.Port == 0 {
			c.Port = DefaultPort
		}
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StartDuration <= 0 {
		c.StartDuration = DefaultStartDuration
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
}

// Validate checks structural correctness. It does not mutate; call Normalize
// first when defaulted fields should pass.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("service requires name")
	}
	if !ValidName(c.Name) {
		return fmt.Errorf("service %q: name may contain only letters, digits, '.', '_' and '-'", c.Name)
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("service %q requires command", c.Name)
	}
	switch c.Type {
	case "", TypeHTTP, TypeWorker, TypeDaemon:
	default:
		return fmt.Errorf("service %q: unknown type %q", c.Name, c.Type)
	}
	switch c.Restart {
	case "", RestartNever, RestartOnFailure, RestartAlways:
	default:
		return fmt.Errorf("service %q: unknown restart policy %q", c.Name, c.Restart)
	}
	if path, ok := c.HTTPHealthPath(); ok {
		if c.Port == 0 {
			return fmt.Errorf("service %q: http health check %q requires port", c.Name, path)
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("service %q: invalid port %d", c.Name, c.Port)
	}
	if c.Schedule != "" {
		if c.Restart == RestartAlways {
			return fmt.Errorf("service %q: schedule cannot be combined with restart=always", c.Name)
		}
		if _, err := ParseEvery(c.Schedule); err != nil {
			return fmt.Errorf("service %q: %w", c.Name, err)
		}
	}
	return nil
}

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule %q (only @every <duration>)", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be positive")
	}
	return d, nil
}

// Clone returns a deep copy. Env is copied so two configs never share one
// mutable map.
func (c *Config) Clone() Config {
	out := *c
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// HTTPHealthPath returns the configured HTTP health path, if any. An HTTP
// check is either an explicit "/path" or, for http services with no named
// probe, an implicit "/".
func (c *Config) HTTPHealthPath() (string, bool) {
	if strings.HasPrefix(c.HealthCheck, "/") {
		return c.HealthCheck, true
	}
	if c.HealthCheck == "" && c.Type == TypeHTTP && c.Port != 0 {
		return "/", true
	}
	return "", false
}

// ProbeName returns the registered probe name, if the health check refers to
// one rather than an HTTP path.
func (c *Config) ProbeName() (string, bool) {
	if c.HealthCheck == "" || strings.HasPrefix(c.HealthCheck, "/") {
		return "", false
	}
	return c.HealthCheck, true
}

// Address returns host:port for HTTP probes.
func (c *Config) Address() string {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// EnvList flattens Env into KEY=VALUE form for exec.Cmd.
func (c *Config) EnvList() []string {
	if len(c.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	return out
}
