package inbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"disasterrelay.example.org/gateway/internal/common/metrics"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/store"
)

// disasterEnvelope is the broker payload shape for disaster.* deliveries
// (spec §6: "{identifier, eventCode, rawMessage}").
type disasterEnvelope struct {
	Identifier string `json:"identifier"`
	EventCode  string `json:"eventCode"`
	RawMessage string `json:"rawMessage"`
}

// Fanout drives the ES-side broker-consumer disaster-transmit fan-out
// (spec §4.5 ES-side step 3): wired as a broker.Handler passed to
// Broker.ConsumeDisaster.
type Fanout struct {
	db          *sql.DB
	mqLog       *store.MQReceiveLogStore
	externalSys *store.ExternalSystemStore
	transmitLog *store.DisasterTransmitLogStore
}

// NewFanout constructs a Fanout.
func NewFanout(db *sql.DB, mqLog *store.MQReceiveLogStore, externalSys *store.ExternalSystemStore, transmitLog *store.DisasterTransmitLogStore) *Fanout {
	return &Fanout{db: db, mqLog: mqLog, externalSys: externalSys, transmitLog: transmitLog}
}

// Handle implements the broker.Handler signature. retryCount is informational
// only here: internal/broker owns the NakWithDelay/DLQ decision based on the
// error this returns.
func (f *Fanout) Handle(ctx context.Context, data []byte, retryCount int) error {
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mqID, err := f.mqLog.Insert(mctx, &model.MQReceiveLog{RawMessage: string(data)})
	cancel()
	if err != nil {
		return fmt.Errorf("insert mq_receive_log: %w", err)
	}

	if err := f.fanoutOne(ctx, mqID, data); err != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
		reason := err.Error()
		if retryCount >= model.DefaultMaxRetries {
			reason = "[Final Failed] " + reason
			_ = f.mqLog.MarkFailed(fctx, mqID, reason)
		}
		fcancel()
		metrics.DisasterTransmitLogTotal.WithLabelValues("failed").Inc()
		return err
	}

	metrics.DisasterTransmitLogTotal.WithLabelValues("success").Inc()
	return nil
}

func (f *Fanout) fanoutOne(ctx context.Context, mqID string, data []byte) error {
	var env disasterEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal disaster envelope: %w", err)
	}

	subscribers, err := f.externalSys.ListSubscribedTo(ctx, env.EventCode)
	if err != nil {
		return fmt.Errorf("list subscribed external systems: %w", err)
	}

	return store.WithTx(ctx, f.db, func(tx *sql.Tx) error {
		for _, sys := range subscribers {
			if _, err := f.transmitLog.InsertTx(ctx, tx, &model.DisasterTransmitLog{
				MQReceiveLogID:   mqID,
				ExternalSystemID: sys.ID,
				Identifier:       env.Identifier,
				RawMessage:       env.RawMessage,
			}); err != nil {
				return fmt.Errorf("insert disaster_transmit_log for %s: %w", sys.ID, err)
			}
		}
		return f.mqLog.MarkSuccessTx(ctx, tx, mqID)
	})
}
