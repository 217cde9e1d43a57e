package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopwork/svcman/internal/config"
	"github.com/loopwork/svcman/internal/logger"
	"github.com/loopwork/svcman/internal/manager"
	"github.com/loopwork/svcman/internal/metrics"
	"github.com/loopwork/svcman/internal/scheduler"
	"github.com/loopwork/svcman/internal/server"
)

// Serve runs the daemon in the foreground until interrupted, or forks it
// into the background with --daemonize.
func (c *command) Serve(f ServeFlags) error {
	if f.Daemonize {
		return c.daemonize(f)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := startDaemon(f.ConfigPath)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout, "serving control API on %s\n", d.Addr())
	<-ctx.Done()
	stop()
	return d.Close(context.Background())
}

// daemon bundles the running pieces of one serve invocation.
type daemon struct {
	mgr   *manager.Manager
	sched *scheduler.Scheduler
	srv   *http.Server
	log   *slog.Logger
}

// startDaemon wires logging, metrics, state recovery, scheduling and the
// control server from the config at path. The caller owns shutdown via
// Close.
func startDaemon(configPath string) (*daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.Setup(cfg.Log.Level)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	mgr, err := assembleManager(cfg, configPath, true, log)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := mgr.Recover(ctx); err != nil {
		log.Warn("recovery incomplete", "error", err)
	}
	if err := mgr.StartAll(ctx); err != nil {
		// The daemon keeps serving so the operator can inspect and retry
		// the failed ones over the API.
		log.Warn("some services failed to start", "error", err)
	}

	sched := scheduler.New(func(ctx context.Context, name string) error {
		return mgr.Start(ctx, name)
	}, log)
	for _, svc := range cfg.Services {
		if svc.Schedule == "" {
			continue
		}
		if err := sched.Add(svc.Name, svc.Schedule); err != nil {
			_ = mgr.Shutdown(ctx, false)
			return nil, err
		}
	}
	if sched.Len() > 0 {
		if err := sched.Start(); err != nil {
			_ = mgr.Shutdown(ctx, false)
			return nil, err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv, err := server.NewServer(cfg.Server, mgr, log)
	if err != nil {
		sched.Stop()
		_ = mgr.Shutdown(ctx, false)
		return nil, err
	}
	log.Info("daemon ready", "listen", srv.Addr, "services", len(cfg.Services))
	return &daemon{mgr: mgr, sched: sched, srv: srv, log: log}, nil
}

// Addr is the bound listen address, useful when the config asked for
// port 0.
func (d *daemon) Addr() string { return d.srv.Addr }

// Close shuts down in dependency order: stop scheduling new runs, stop
// accepting API calls, then end supervision. Adopted children keep
// running and are re-adopted by the next serve.
func (d *daemon) Close(ctx context.Context) error {
	d.sched.Stop()
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.srv.Shutdown(sctx); err != nil {
		_ = d.srv.Close()
	}
	if err := d.mgr.Shutdown(ctx, false); err != nil {
		d.log.Warn("shutdown incomplete", "error", err)
		return err
	}
	d.log.Info("daemon stopped")
	return nil
}
