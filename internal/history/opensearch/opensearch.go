package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loopwork/svcman/internal/history"
)

// Sink indexes events into OpenSearch (or Elasticsearch) over HTTP. Each
// event becomes one document in the configured index.
type Sink struct {
	baseURL string
	index   string
	client  *http.Client
}

// New builds a sink for baseURL (scheme://host[:port]) and index. The index
// is created on first write by the server; no mapping is installed.
func New(baseURL, index string) *Sink {
	return &Sink{
		baseURL: baseURL,
		index:   index,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	url := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch returned status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

func (s *Sink) Close() error { return nil }
