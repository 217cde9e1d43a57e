package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loopwork/svcman/internal/manager"
	"github.com/loopwork/svcman/internal/metrics"
	"github.com/loopwork/svcman/internal/service"
)

// Router provides embeddable HTTP handlers for controlling services.
// Endpoints under {basePath}:
//   POST {basePath}/start     query: name=...
//   POST {basePath}/stop      query: name=...
//   POST {basePath}/restart   query: name=...
//   GET  {basePath}/status    query: name=...
//   GET  {basePath}/services  all known services
//   GET  {basePath}/health    daemon liveness, never authenticated
// Plus GET /metrics at the engine root (Prometheus text format, outside
// both basePath and auth so scrapers need no token).
// Services are defined in the daemon's configuration; the API addresses
// them by name only, so no path-like input crosses the wire.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *manager.Manager
	basePath string
	token    string
}

// NewRouter constructs a Router mounted at basePath. A non-empty token
// requires Bearer auth on every endpoint except health.
func NewRouter(mgr *manager.Manager, basePath, token string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), token: token}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	api := g.Group(r.basePath)
	api.GET("/health", r.handleHealth)
	authed := api.Group("", requireToken(r.token))
	authed.POST("/start", r.handleStart)
	authed.POST("/stop", r.handleStop)
	authed.POST("/restart", r.handleRestart)
	authed.GET("/status", r.handleStatus)
	authed.GET("/services", r.handleServices)
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	Status   string `json:"status"`
	Services int    `json:"services"`
	Running  int    `json:"running"`
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := requestedName(c)
	if !ok {
		return
	}
	if err := r.mgr.Start(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := requestedName(c)
	if !ok {
		return
	}
	if err := r.mgr.Stop(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := requestedName(c)
	if !ok {
		return
	}
	if err := r.mgr.Restart(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := requestedName(c)
	if !ok {
		return
	}
	st, err := r.mgr.Status(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.List(c.Request.Context()))
}

func (r *Router) handleHealth(c *gin.Context) {
	sts := r.mgr.List(c.Request.Context())
	running := 0
	for _, st := range sts {
		if st.Running() {
			running++
		}
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "ok", Services: len(sts), Running: running})
}

// requestedName extracts and validates the name query parameter. On
// failure it writes the 400 response and returns ok=false.
func requestedName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return "", false
	}
	if !service.ValidName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return "", false
	}
	return name, true
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrServiceNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyRunning):
		code = http.StatusConflict
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
