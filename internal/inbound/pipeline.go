// Package inbound implements the CS inbound disaster-alert pipeline (spec
// §4.3) and the ES broker-consumer disaster-transmit fan-out (spec §4.5
// ES-side): the two paths that turn a CAS notification into, eventually,
// one disaster_transmit_log row per subscribed external system.
package inbound

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"disasterrelay.example.org/gateway/internal/cap"
	"disasterrelay.example.org/gateway/internal/common/metrics"
	"disasterrelay.example.org/gateway/internal/errs"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/store"
)

// Pipeline drives the CS-side inbound disaster-alert pipeline. It is wired
// as casclient.Handlers.OnDisasterNotify.
type Pipeline struct {
	db         *sql.DB
	tcpLog     *store.TCPReceiveLogStore
	publishLog *store.DisasterPublishLogStore
}

// NewPipeline constructs a Pipeline.
func NewPipeline(db *sql.DB, tcpLog *store.TCPReceiveLogStore, publishLog *store.DisasterPublishLogStore) *Pipeline {
	return &Pipeline{db: db, tcpLog: tcpLog, publishLog: publishLog}
}

// Handle implements casclient.Handlers.OnDisasterNotify: it runs the full
// pipeline and always returns an ack/NACK alert to send back (spec §4.3
// step 1's "cannot be skipped" note — casclient only calls this once the
// envelope itself parsed, so env.CapInfo is expected but defensively
// checked).
func (p *Pipeline) Handle(ctx context.Context, env *cap.Envelope) *cap.Alert {
	if env.CapInfo == nil {
		return cap.BuildAck(&cap.Alert{}, "810", "missing capInfo")
	}
	alert := &env.CapInfo.Alert

	code, message := p.process(ctx, env, alert)
	metrics.DisasterPublishLogTotal.WithLabelValues(resultLabel(code)).Inc()
	return cap.BuildAck(alert, code, message)
}

func resultLabel(noteCode string) string {
	switch noteCode {
	case "000":
		return "success"
	case "300":
		return "duplicate"
	default:
		return "failed"
	}
}

// process runs spec §4.3 steps 2-7 and returns the CAP ack note code/message.
func (p *Pipeline) process(ctx context.Context, env *cap.Envelope, alert *cap.Alert) (noteCode, noteMessage string) {
	raw, err := cap.Marshal(env)
	if err != nil {
		slog.Error("inbound marshal raw envelope failed", "error", err)
		return "810", "internal error"
	}

	// Steps 2-3: dedup insert on (inbound_id, inbound_seq).
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	tcpID, err := p.tcpLog.Insert(tctx, &model.TCPReceiveLog{
		InboundID:  env.TransMsgID,
		InboundSeq: env.TransMsgSeq,
		RawMessage: string(raw),
	})
	cancel()
	if err != nil {
		slog.Error("inbound tcp_receive_log insert failed", "error", err)
		return "810", "internal error"
	}
	if tcpID == "" {
		return "300", "duplicate message"
	}

	// Steps 4-5: CAP/profile validation.
	if verr := validateAlert(alert); verr != nil {
		p.failTCP(tcpID, verr.Error())
		code, msg := errs.NoteFor(verr)
		return code, msg
	}
	eventCode := alert.Info.EventCode.Value
	if !IsValidEventCode(eventCode) {
		perr := &errs.ProfileFailure{Reason: fmt.Sprintf("unknown event code %q", eventCode)}
		p.failTCP(tcpID, perr.Error())
		code, msg := errs.NoteFor(perr)
		return code, msg
	}

	// Steps 6-7: insert disaster_publish_log and mark tcp_receive_log
	// SUCCESS atomically.
	txErr := store.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := p.publishLog.InsertTx(ctx, tx, &model.DisasterPublishLog{
			TCPReceiveLogID: tcpID,
			RoutingKey:      "disaster." + eventCode,
			Identifier:      alert.Identifier,
			EventCode:       eventCode,
			RawMessage:      string(raw),
		})
		if err != nil {
			return err
		}
		return p.tcpLog.MarkSuccessTx(ctx, tx, tcpID)
	})
	if txErr != nil {
		slog.Error("inbound publish transaction failed", "tcpReceiveLogId", tcpID, "error", txErr)
		p.failTCP(tcpID, txErr.Error())
		return "810", "internal error"
	}

	return "000", "OK"
}

// failTCP marks tcp_receive_log FAILED on its own connection, best-effort,
// per spec §4.3's "separate connection/transaction" note.
func (p *Pipeline) failTCP(tcpID, reason string) {
	fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.tcpLog.MarkFailed(fctx, tcpID, reason); err != nil {
		slog.Error("inbound mark tcp_receive_log failed failed", "tcpReceiveLogId", tcpID, "error", err)
	}
}

func validateAlert(alert *cap.Alert) error {
	switch {
	case alert.Identifier == "":
		return &errs.ValidationFailure{Field: "identifier", Reason: "required"}
	case alert.Sender == "":
		return &errs.ValidationFailure{Field: "sender", Reason: "required"}
	case alert.Sent == "":
		return &errs.ValidationFailure{Field: "sent", Reason: "required"}
	case alert.Info == nil || alert.Info.EventCode.Value == "":
		return &errs.ValidationFailure{Field: "info.eventCode.value", Reason: "required"}
	}
	return nil
}
