//go:build integration

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"disasterrelay.example.org/gateway/internal/model"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("diswarden"),
		postgres.WithUsername("diswarden"),
		postgres.WithPassword("diswarden"),
		testcontainers.WithWaitStrategy(tcwait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := CreateSchema(ctx, db); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func TestDisasterPublishLogStore_DedupAndLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tcp := NewTCPReceiveLogStore(db)
	tcpID, err := tcp.Insert(ctx, &model.TCPReceiveLog{InboundID: "IN1", InboundSeq: 1, RawMessage: "<data/>"})
	if err != nil || tcpID == "" {
		t.Fatalf("insert tcp_receive_log: id=%q err=%v", tcpID, err)
	}

	store := NewDisasterPublishLogStore(db)
	l := &model.DisasterPublishLog{
		TCPReceiveLogID: tcpID,
		RoutingKey:      "disaster.HTW",
		Identifier:      "ALERT-1",
		EventCode:       "HTW",
		RawMessage:      "<alert/>",
	}
	id1, err := store.Insert(ctx, l)
	if err != nil || id1 == "" {
		t.Fatalf("first insert: id=%q err=%v", id1, err)
	}

	dup := &model.DisasterPublishLog{
		TCPReceiveLogID: tcpID,
		RoutingKey:      "disaster.HTW",
		Identifier:      "ALERT-1",
		EventCode:       "HTW",
		RawMessage:      "<alert/>",
	}
	id2, err := store.Insert(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if id2 != "" {
		t.Fatalf("expected duplicate insert to return empty id, got %q", id2)
	}

	pending, err := store.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id1 {
		t.Fatalf("expected exactly the first row pending, got %+v", pending)
	}

	if err := store.MarkInProgress(ctx, []string{id1}); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	stuck, err := store.FetchStuck(ctx, 0)
	if err != nil {
		t.Fatalf("fetch stuck: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("expected 1 stuck row, got %d", len(stuck))
	}

	if err := store.MarkSuccess(ctx, id1); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	afterSuccess, err := store.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending after success: %v", err)
	}
	if len(afterSuccess) != 0 {
		t.Fatalf("expected no pending rows after success, got %d", len(afterSuccess))
	}
}

func TestDisasterPublishLogStore_RetryExhaustion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tcp := NewTCPReceiveLogStore(db)
	tcpID, _ := tcp.Insert(ctx, &model.TCPReceiveLog{InboundID: "IN2", InboundSeq: 1, RawMessage: "<data/>"})

	store := NewDisasterPublishLogStore(db)
	id, err := store.Insert(ctx, &model.DisasterPublishLog{
		TCPReceiveLogID: tcpID,
		RoutingKey:      "disaster.HTW",
		Identifier:      "ALERT-2",
		EventCode:       "HTW",
		RawMessage:      "<alert/>",
	})
	if err != nil || id == "" {
		t.Fatalf("insert: id=%q err=%v", id, err)
	}

	for i := 0; i <= model.DefaultMaxRetries; i++ {
		if err := store.MarkFailedOrRetry(ctx, id, i, model.DefaultMaxRetries, "dispatch failed"); err != nil {
			t.Fatalf("mark failed or retry (attempt %d): %v", i, err)
		}
	}

	pending, err := store.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected row to be terminal (failed), not pending for another retry: %+v", pending)
	}

	stuck, err := store.FetchStuck(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("fetch stuck: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected row to be terminal (failed), not stuck-in-sent: %+v", stuck)
	}
}
