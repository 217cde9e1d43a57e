package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loopwork/svcman/internal/manager"
	"github.com/loopwork/svcman/internal/registry"
	"github.com/loopwork/svcman/internal/server"
	"github.com/loopwork/svcman/internal/service"
	"github.com/loopwork/svcman/internal/state"
)

func newDaemon(t *testing.T, token string, svcs ...service.Config) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	reg := registry.New()
	for _, cfg := range svcs {
		if err := reg.Register(cfg); err != nil {
			t.Fatalf("Register(%s): %v", cfg.Name, err)
		}
	}
	mgr, err := manager.New(manager.Options{
		Store:     store,
		Registry:  reg,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Supervise: true,
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	srv := httptest.NewServer(server.NewRouter(mgr, "/api", token).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx, true)
	})
	return srv
}

func newClient(srv *httptest.Server, token string) *Client {
	return New(Config{
		BaseURL: srv.URL + "/api",
		Token:   token,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestClientLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix process semantics")
	}
	cfg := service.Config{Name: "web", Command: "sleep 30", Restart: service.RestartNever}
	cfg.Normalize()
	srv := newDaemon(t, "", cfg)
	c := newClient(srv, "")
	ctx := context.Background()

	if !c.IsReachable(ctx) {
		t.Fatal("daemon should be reachable")
	}
	if err := c.Start(ctx, "web"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := c.Status(ctx, "web")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running() || st.PID <= 0 {
		t.Fatalf("expected running with pid, got %+v", st)
	}
	if err := c.Start(ctx, "web"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second start: expected ErrConflict, got %v", err)
	}
	sts, err := c.Services(ctx)
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(sts) != 1 || sts[0].Name != "web" {
		t.Fatalf("expected [web], got %+v", sts)
	}
	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.Running != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
	if err := c.Stop(ctx, "web"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st, err = c.Status(ctx, "web")
	if err != nil {
		t.Fatalf("Status after stop: %v", err)
	}
	if st.Running() {
		t.Fatalf("expected stopped, got %+v", st)
	}
}

func TestClientNotFound(t *testing.T) {
	srv := newDaemon(t, "")
	c := newClient(srv, "")
	if _, err := c.Status(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.Start(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientAuth(t *testing.T) {
	srv := newDaemon(t, "hunter2")

	bad := newClient(srv, "wrong")
	if _, err := bad.Services(context.Background()); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}

	good := newClient(srv, "hunter2")
	if _, err := good.Services(context.Background()); err != nil {
		t.Fatalf("authed Services: %v", err)
	}
	// health needs no token even when auth is on
	if !good.IsReachable(context.Background()) {
		t.Fatal("daemon should be reachable")
	}
	if !newClient(srv, "").IsReachable(context.Background()) {
		t.Fatal("health should not require a token")
	}
}
