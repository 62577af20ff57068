//go:build integration

package outbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"disasterrelay.example.org/gateway/internal/cap"
	"disasterrelay.example.org/gateway/internal/errs"
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

func TestFanout_HandleDeviceInfoMintsFreshOutboundID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	fanout := NewFanout(db, "KR.TEST", store.NewMQReceiveLogStore(db), store.NewDisasterPublishLogStore(db), store.NewReportTransmitLogStore(db))

	payload, err := json.Marshal(reportEnvelope{Type: model.ReportTypeDeviceInfo, ExternalSystemName: "device-1", RawMessage: "<device/>"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := fanout.Handle(ctx, payload, 0); err != nil {
		t.Fatalf("fanout handle: %v", err)
	}

	transmitLog := store.NewReportTransmitLogStore(db)
	pending, err := transmitLog.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one report_transmit_log row, got %d", len(pending))
	}
	if pending[0].OutboundID == "" {
		t.Error("expected a minted outbound_id")
	}
	if pending[0].ReportSequence != 1 {
		t.Errorf("expected report_sequence to start at 1, got %d", pending[0].ReportSequence)
	}
}

func TestFanout_HandleDisasterResultRequiresExistingPublishLog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	fanout := NewFanout(db, "KR.TEST", store.NewMQReceiveLogStore(db), store.NewDisasterPublishLogStore(db), store.NewReportTransmitLogStore(db))

	payload, err := json.Marshal(reportEnvelope{Type: model.ReportTypeDisasterResult, Identifier: "NOPE", RawMessage: "<ack/>"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := fanout.Handle(ctx, payload, 0); err == nil {
		t.Fatal("expected an error for a DISASTER_RESULT report with no matching disaster_publish_log row")
	}

	pending, err := store.NewReportTransmitLogStore(db).FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no transmit row when the publish log lookup fails, got %+v", pending)
	}
}

func TestFanout_HandleDisasterResultUsesIdentifierSuffix(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	publishLog := store.NewDisasterPublishLogStore(db)
	original, err := cap.Marshal(&cap.Envelope{
		CapInfo: &cap.CapInfo{Alert: cap.Alert{Identifier: "ALERT-9", Sender: "CAS", Sent: "2026-08-03T00:00:00+09:00"}},
	})
	if err != nil {
		t.Fatalf("marshal original alert: %v", err)
	}
	tcpLogID, err := store.NewTCPReceiveLogStore(db).Insert(ctx, &model.TCPReceiveLog{InboundID: "IN9", InboundSeq: 1, RawMessage: string(original)})
	if err != nil {
		t.Fatalf("insert tcp_receive_log: %v", err)
	}
	if _, err := publishLog.Insert(ctx, &model.DisasterPublishLog{TCPReceiveLogID: tcpLogID, Identifier: "ALERT-9", EventCode: "HTW", RawMessage: string(original)}); err != nil {
		t.Fatalf("insert disaster_publish_log: %v", err)
	}

	fanout := NewFanout(db, "KR.TEST", store.NewMQReceiveLogStore(db), publishLog, store.NewReportTransmitLogStore(db))
	payload, err := json.Marshal(reportEnvelope{Type: model.ReportTypeDisasterResult, Identifier: "ALERT-9", RawMessage: "<ack/>"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := fanout.Handle(ctx, payload, 0); err != nil {
		t.Fatalf("fanout handle: %v", err)
	}

	pending, err := store.NewReportTransmitLogStore(db).FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 1 || pending[0].OutboundID != "ALERT-9"+disasterResultSuffix {
		t.Fatalf("expected outbound_id %q, got %+v", "ALERT-9"+disasterResultSuffix, pending)
	}
}

func TestDispatchBuildAlertDisasterResultRecoversReferences(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	publishLog := store.NewDisasterPublishLogStore(db)
	original, err := cap.Marshal(&cap.Envelope{
		CapInfo: &cap.CapInfo{Alert: cap.Alert{Identifier: "ALERT-10", Sender: "CAS", Sent: "2026-08-03T00:00:00+09:00"}},
	})
	if err != nil {
		t.Fatalf("marshal original alert: %v", err)
	}
	tcpLogID, err := store.NewTCPReceiveLogStore(db).Insert(ctx, &model.TCPReceiveLog{InboundID: "IN10", InboundSeq: 1, RawMessage: string(original)})
	if err != nil {
		t.Fatalf("insert tcp_receive_log: %v", err)
	}
	if _, err := publishLog.Insert(ctx, &model.DisasterPublishLog{TCPReceiveLogID: tcpLogID, Identifier: "ALERT-10", EventCode: "HTW", RawMessage: string(original)}); err != nil {
		t.Fatalf("insert disaster_publish_log: %v", err)
	}

	d := NewDispatcher(nil, publishLog, store.NewReportTransmitLogStore(db), Config{DestID: "KR.TEST", SenderID: "KR.CENTRAL"})
	item := &model.ReportTransmitLog{OutboundID: "ALERT-10" + disasterResultSuffix, Type: model.ReportTypeDisasterResult, RawMessage: "<ack/>"}

	_, alert, err := d.buildAlert(ctx, item)
	if err != nil {
		t.Fatalf("buildAlert: %v", err)
	}
	if alert.References == nil || alert.References.Identifier != "ALERT-10" || alert.References.Sender != "CAS" {
		t.Fatalf("expected recovered references from the original alert, got %+v", alert.References)
	}
	if alert.MsgType != "Ack" {
		t.Errorf("expected DISASTER_RESULT alert msgType Ack, got %q", alert.MsgType)
	}
}

func TestDispatchBuildAlertDisasterResultMissingPublishLogIsTerminal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	publishLog := store.NewDisasterPublishLogStore(db)
	d := NewDispatcher(nil, publishLog, store.NewReportTransmitLogStore(db), Config{DestID: "KR.TEST", SenderID: "KR.CENTRAL"})
	item := &model.ReportTransmitLog{OutboundID: "MISSING" + disasterResultSuffix, Type: model.ReportTypeDisasterResult, RawMessage: "<ack/>"}

	_, _, err := d.buildAlert(ctx, item)
	var terminal *errs.TerminalFailure
	if err == nil {
		t.Fatal("expected an error for a missing disaster_publish_log row")
	}
	if !errors.As(err, &terminal) {
		t.Fatalf("expected *errs.TerminalFailure, got %T: %v", err, err)
	}
}
