package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/nodekeeper/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
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
		t.Skipf("ClickHouse container unavailable: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return clickHouseContainer, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "node_history_test")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	now := time.Now().UTC()
	for _, typ := range []history.EventType{history.EventStart, history.EventExit} {
		e := history.Event{Type: typ, OccurredAt: now, Node: "reth-test", Version: "v1.5.0", PID: 12345, Message: "exit status 1"}
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", typ, err)
		}
	}

	count, err := sink.Count(ctx, "reth-test")
	if err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events, got %d", count)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := sink.Send(cancelled, history.Event{Type: history.EventStop, Node: "reth-test"}); err == nil {
		t.Errorf("expected error with cancelled context")
	}
}

func TestClickHouseSink_InvalidTable(t *testing.T) {
	if _, err := New("localhost:9000", "bad;table"); err == nil {
		t.Fatalf("expected invalid table name to be rejected")
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	if _, err := New("invalid-host.invalid:9000", "test_table"); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}
