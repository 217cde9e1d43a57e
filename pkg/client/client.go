package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Sentinels for the two API failures callers commonly branch on.
var (
	ErrNotFound = errors.New("service not found")
	ErrConflict = errors.New("service already running")
)

// Client talks to a svcman daemon's control API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	// BaseURL points at the daemon's API mount, e.g. http://localhost:8080/api.
	BaseURL string
	// Token is sent as a Bearer credential when the daemon requires auth.
	Token    string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSConfig
	Insecure bool // skip TLS verification entirely
}

// TLSConfig holds TLS settings for HTTPS daemons.
type TLSConfig struct {
	CACert     string // CA certificate file for a private CA
	ClientCert string // client certificate file for mutual TLS
	ClientKey  string // client private key file
	ServerName string // override server name verification
	SkipVerify bool
}

// DefaultConfig returns a configuration for a local plaintext daemon.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a daemon API client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080/api"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if cfg.TLS != nil || cfg.Insecure {
		tlsConfig, err := clientTLS(cfg)
		if err != nil {
			cfg.Logger.Error("tls setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		logger:  cfg.Logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable reports whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	var h DaemonHealth
	if err := c.get(ctx, "/health", nil, &h); err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return h.Status == "ok"
}

// Health fetches the daemon's liveness summary.
func (c *Client) Health(ctx context.Context) (DaemonHealth, error) {
	var h DaemonHealth
	err := c.get(ctx, "/health", nil, &h)
	return h, err
}

// Start starts the named service.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.post(ctx, "/start", name)
}

// Stop stops the named service.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.post(ctx, "/stop", name)
}

// Restart restarts the named service.
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.post(ctx, "/restart", name)
}

// Status fetches the status of one service.
func (c *Client) Status(ctx context.Context, name string) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.get(ctx, "/status", url.Values{"name": {name}}, &st)
	return st, err
}

// Services fetches the status of every service the daemon knows about.
func (c *Client) Services(ctx context.Context) ([]ServiceStatus, error) {
	var sts []ServiceStatus
	err := c.get(ctx, "/services", nil, &sts)
	return sts, err
}

func (c *Client) post(ctx context.Context, path, name string) error {
	u := c.baseURL + path + "?" + url.Values{"name": {name}}.Encode()
	return c.do(ctx, http.MethodPost, u, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, u, out)
}

func (c *Client) do(ctx context.Context, method, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError converts a non-200 response into an error, mapping the two
// statuses callers branch on to sentinels.
func (c *Client) apiError(resp *http.Response) error {
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		body.Error = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, body.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, body.Error)
	}
	return fmt.Errorf("api error (HTTP %d): %s", resp.StatusCode, body.Error)
}

// clientTLS builds the TLS configuration for HTTPS daemons.
func clientTLS(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if cfg.TLS == nil {
		return tlsConfig, nil
	}
	if cfg.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	if cfg.TLS.ServerName != "" {
		tlsConfig.ServerName = cfg.TLS.ServerName
	}
	if cfg.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, cfg.TLS.CACert); err != nil {
			return nil, fmt.Errorf("load ca certificate: %w", err)
		}
	}
	if cfg.TLS.ClientCert != "" && cfg.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return errors.New("no certificates parsed from CA file")
	}
	tlsConfig.RootCAs = pool
	return nil
}
