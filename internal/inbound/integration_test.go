//go:build integration

package inbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"disasterrelay.example.org/gateway/internal/cap"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/store"
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

	if err := store.CreateSchema(ctx, db); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func newTestAlert(identifier, eventCode string) *cap.Envelope {
	return &cap.Envelope{
		TransMsgID:  identifier,
		TransMsgSeq: 1,
		CapInfo: &cap.CapInfo{
			Alert: cap.Alert{
				Identifier: identifier,
				Sender:     "CAS",
				Sent:       "2026-08-03T00:00:00+09:00",
				Info:       &cap.Info{EventCode: cap.EventCode{Value: eventCode}},
			},
		},
	}
}

func TestPipeline_HandleHappyPathAndDedup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pipeline := NewPipeline(db, store.NewTCPReceiveLogStore(db), store.NewDisasterPublishLogStore(db))

	env := newTestAlert("ALERT-1", "HTW")
	ack := pipeline.Handle(ctx, env)
	if ack.Note == "" || ack.Note[:3] != "000" {
		t.Fatalf("expected a 000 ack note, got %q", ack.Note)
	}

	publishLog := store.NewDisasterPublishLogStore(db)
	pending, err := publishLog.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Identifier != "ALERT-1" {
		t.Fatalf("expected exactly one published row for ALERT-1, got %+v", pending)
	}

	dupAck := pipeline.Handle(ctx, env)
	if dupAck.Note == "" || dupAck.Note[:3] != "300" {
		t.Fatalf("expected a 300 duplicate ack note on resend, got %q", dupAck.Note)
	}

	pendingAfterDup, err := publishLog.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending after dup: %v", err)
	}
	if len(pendingAfterDup) != 1 {
		t.Fatalf("expected the duplicate resend to not create a second publish row, got %+v", pendingAfterDup)
	}
}

func TestPipeline_HandleValidationFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pipeline := NewPipeline(db, store.NewTCPReceiveLogStore(db), store.NewDisasterPublishLogStore(db))

	env := newTestAlert("ALERT-2", "HTW")
	env.CapInfo.Alert.Sender = ""

	ack := pipeline.Handle(ctx, env)
	if ack.Note == "" || ack.Note[:3] != "210" {
		t.Fatalf("expected a 210 validation-failure ack note, got %q", ack.Note)
	}

	pending, err := store.NewDisasterPublishLogStore(db).FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no publish row for an invalid alert, got %+v", pending)
	}
}

func TestPipeline_HandleUnknownEventCode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pipeline := NewPipeline(db, store.NewTCPReceiveLogStore(db), store.NewDisasterPublishLogStore(db))

	env := newTestAlert("ALERT-3", "ZZZ-NOT-A-CODE")
	ack := pipeline.Handle(ctx, env)
	if ack.Note == "" || ack.Note[:3] != "220" {
		t.Fatalf("expected a 220 profile-failure ack note, got %q", ack.Note)
	}
}

func TestFanout_HandleFansOutToSubscribers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	externalSys := store.NewExternalSystemStore(db)
	for _, e := range []*model.ExternalSystem{
		{SystemName: "acme", APIKey: "key-acme", SubscribedEventCodes: []string{"HTW"}, IsActive: true},
		{SystemName: "globex", APIKey: "key-globex", SubscribedEventCodes: []string{"HTW", "EQW"}, IsActive: true},
		{SystemName: "initech", APIKey: "key-initech", SubscribedEventCodes: []string{"EQW"}, IsActive: true},
	} {
		if err := externalSys.Create(ctx, e); err != nil {
			t.Fatalf("create external_system %s: %v", e.SystemName, err)
		}
	}

	fanout := NewFanout(db, store.NewMQReceiveLogStore(db), externalSys, store.NewDisasterTransmitLogStore(db))

	payload, err := json.Marshal(disasterEnvelope{Identifier: "ALERT-4", EventCode: "HTW", RawMessage: "<alert/>"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := fanout.Handle(ctx, payload, 0); err != nil {
		t.Fatalf("fanout handle: %v", err)
	}

	transmitLog := store.NewDisasterTransmitLogStore(db)
	pending, err := transmitLog.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected exactly 2 transmit rows (acme, globex), got %d: %+v", len(pending), pending)
	}
}

func TestFanout_HandleNoSubscribersIsNoop(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	fanout := NewFanout(db, store.NewMQReceiveLogStore(db), store.NewExternalSystemStore(db), store.NewDisasterTransmitLogStore(db))

	payload, err := json.Marshal(disasterEnvelope{Identifier: "ALERT-5", EventCode: "HTW", RawMessage: "<alert/>"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := fanout.Handle(ctx, payload, 0); err != nil {
		t.Fatalf("fanout handle with no subscribers should still succeed: %v", err)
	}

	pending, err := store.NewDisasterTransmitLogStore(db).FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no transmit rows with zero subscribers, got %+v", pending)
	}
}
