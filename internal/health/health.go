package health

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
)

// Checker performs health checks for the supervisor. Every check returns a
// verdict, never an error: a failed probe is data the monitor loop records,
// not an exception that could stop it.
type Checker struct {
	client *http.Client
}

func NewChecker() *Checker {
	return &Checker{
		// Per-call deadlines come from each service's health timeout; the
		// transport itself stays unbounded.
		client: &http.Client{},
	}
}

// CheckHTTP issues a bounded GET against host:port + path and reports
// whether the response status is in [200, 300). Any dial, timeout or URL
// failure is unhealthy.
func (c *Checker) CheckHTTP(ctx context.Context, host string, port int, path string, timeout time.Duration) bool {
	if port <= 0 {
		return false
	}
	if host == "" {
		host = service.DefaultHost
	}
	if timeout <= 0 {
		timeout = service.DefaultHealthTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CheckProbe runs a registered probe by name. Unknown names, probe errors
// and probe panics are all unhealthy.
func (c *Checker) CheckProbe(ctx context.Context, name string, timeout time.Duration) (healthy bool) {
	p, ok := LookupProbe(name)
	if !ok {
		slog.Warn("health probe not registered", "probe", name)
		return false
	}
	if timeout <= 0 {
		timeout = service.DefaultHealthTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("health probe panicked", "probe", name, "panic", r)
			healthy = false
		}
	}()
	return p(ctx) == nil
}

// Check dispatches on the config: an HTTP path probes the service address,
// a probe name consults the table, anything else falls back to process
// liveness. Returns the verdict and the check time.
func (c *Checker) Check(ctx context.Context, cfg service.Config, pid int) (state.Health, time.Time) {
	now := time.Now().UTC()
	var ok bool
	switch {
	case hasHTTPCheck(cfg):
		path, _ := cfg.HTTPHealthPath()
		ok = c.CheckHTTP(ctx, cfg.Host, cfg.Port, path, cfg.HealthTimeout)
	case hasProbeCheck(cfg):
		name, _ := cfg.ProbeName()
		ok = c.CheckProbe(ctx, name, cfg.HealthTimeout)
	default:
		ok = Alive(pid)
	}
	if ok {
		return state.HealthHealthy, now
	}
	return state.HealthUnhealthy, now
}

func hasHTTPCheck(cfg service.Config) bool {
	_, ok := cfg.HTTPHealthPath()
	return ok
}

func hasProbeCheck(cfg service.Config) bool {
	_, ok := cfg.ProbeName()
	return ok
}
