// Package outbound implements the CS outbound report pipeline (spec §4.4:
// build the typed CAP report, send it over the CAS socket, correlate the
// ACK) and the CS-side broker-consumer report fan-in (spec §4.5 CS-side).
package outbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"disasterrelay.example.org/gateway/internal/common/metrics"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/store"
)

// reportEnvelope is the broker payload shape for report.external deliveries
// (spec §6: "{type, externalSystemName, rawMessage}").
type reportEnvelope struct {
	Type               model.ReportType `json:"type"`
	ExternalSystemName string           `json:"externalSystemName"`
	RawMessage         string           `json:"rawMessage"`
	// Identifier is only populated for DISASTER_RESULT reports, carrying
	// the alert identifier this report responds to.
	Identifier string `json:"identifier,omitempty"`
}

// disasterResultSuffix is appended to the originating alert's identifier to
// form a DISASTER_RESULT row's outbound_id (spec §4.5 CS-side step 3).
const disasterResultSuffix = "_RPT_1"

// Fanout drives the CS-side broker-consumer report fan-in: wired as a
// broker.Handler passed to Broker.ConsumeReport.
type Fanout struct {
	db          *sql.DB
	destID      string
	mqLog       *store.MQReceiveLogStore
	publishLog  *store.DisasterPublishLogStore
	transmitLog *store.ReportTransmitLogStore
}

// NewFanout constructs a Fanout. destID is this central-service's own CAS
// destId, used to mint DEVICE_* outbound_id values.
func NewFanout(db *sql.DB, destID string, mqLog *store.MQReceiveLogStore, publishLog *store.DisasterPublishLogStore, transmitLog *store.ReportTransmitLogStore) *Fanout {
	return &Fanout{db: db, destID: destID, mqLog: mqLog, publishLog: publishLog, transmitLog: transmitLog}
}

// Handle implements the broker.Handler signature.
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
		metrics.ReportTransmitLogTotal.WithLabelValues("failed").Inc()
		return err
	}

	metrics.ReportTransmitLogTotal.WithLabelValues("success").Inc()
	return nil
}

func (f *Fanout) fanoutOne(ctx context.Context, mqID string, data []byte) error {
	var env reportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal report envelope: %w", err)
	}

	outboundID, err := f.outboundIDFor(ctx, env)
	if err != nil {
		return err
	}

	return store.WithTx(ctx, f.db, func(tx *sql.Tx) error {
		if _, err := f.transmitLog.InsertTx(ctx, tx, &model.ReportTransmitLog{
			MQReceiveLogID:     mqID,
			Type:               env.Type,
			OutboundID:         outboundID,
			ExternalSystemName: env.ExternalSystemName,
			RawMessage:         env.RawMessage,
			ReportSequence:     1,
		}); err != nil {
			return fmt.Errorf("insert report_transmit_log: %w", err)
		}
		return f.mqLog.MarkSuccessTx(ctx, tx, mqID)
	})
}

// outboundIDFor mints a fresh outbound_id for DEVICE_* reports, or, for
// DISASTER_RESULT, requires the referenced alert to already exist in
// disaster_publish_log (spec §4.5 CS-side step 3).
func (f *Fanout) outboundIDFor(ctx context.Context, env reportEnvelope) (string, error) {
	if env.Type == model.ReportTypeDisasterResult {
		pub, err := f.publishLog.GetByIdentifier(ctx, env.Identifier)
		if err != nil {
			return "", fmt.Errorf("look up disaster_publish_log for %q: %w", env.Identifier, err)
		}
		if pub == nil {
			return "", fmt.Errorf("disaster_publish_log not found for identifier %q", env.Identifier)
		}
		return env.Identifier + disasterResultSuffix, nil
	}
	return "KR." + f.destID + "_" + tsid.Generate(), nil
}
