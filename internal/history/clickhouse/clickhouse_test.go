package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loopwork/svcman/internal/history"
)

func setupContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return c, host + ":" + port.Port()
}

func setupSinkWithTable(ctx context.Context, t *testing.T, addr, table string) *Sink {
	t.Helper()

	sink, err := New(addr, table)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	err = sink.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			occurred_at DateTime64(6),
			event String,
			name String,
			pid Int32,
			status String,
			detail String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, name)
	`)
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return sink
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	c, addr := setupContainer(ctx, t)
	defer func() {
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}()

	sink := setupSinkWithTable(ctx, t, addr, "service_history")
	defer func() { _ = sink.Close() }()

	started := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: started, Name: "api", PID: 321, Status: "running"},
		{Type: history.EventRestart, OccurredAt: started.Add(30 * time.Second), Name: "api", PID: 654, Status: "running", Detail: "crash relaunch"},
		{Type: history.EventStop, OccurredAt: started.Add(time.Minute), Name: "api", PID: 654, Status: "stopped"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Send(%s): %v", e.Type, err)
		}
	}

	var count uint64
	row := sink.conn.QueryRow(ctx, "SELECT count() FROM service_history WHERE name = 'api'")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != uint64(len(events)) {
		t.Fatalf("expected %d rows, got %d", len(events), count)
	}
}

func TestClickHouseSink_ConnectError(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := New("127.0.0.1:1", "service_history"); err == nil {
		t.Fatalf("expected connection error")
	}
}
