package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loopwork/svcman/internal/config"
	"github.com/loopwork/svcman/internal/manager"
)

// DefaultBasePath is where the daemon mounts the control API.
const DefaultBasePath = "/api"

// NewServer starts the daemon's control API on cfg.Listen and returns
// the running server for later Shutdown or Close. TLS is enabled when
// cfg.TLS names a certificate pair. The listener is created here rather
// than in the serve goroutine so bind errors surface to the caller.
func NewServer(cfg config.Server, mgr *manager.Manager, log *slog.Logger) (*http.Server, error) {
	if cfg.Listen == "" {
		return nil, errors.New("server listen address required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, errors.New("tls requires both cert_file and key_file")
	}
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	r := NewRouter(mgr, DefaultBasePath, cfg.Token)
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control api server stopped", "error", err)
		}
	}()
	return srv, nil
}
