package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"disasterrelay.example.org/gateway/internal/cap"
	"disasterrelay.example.org/gateway/internal/casclient"
	"disasterrelay.example.org/gateway/internal/errs"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/store"
	"disasterrelay.example.org/gateway/internal/wire"
)

// capCode is the fixed CAP <code> value every outbound report carries
// (spec §4.4's CAP type table preamble).
const capCode = "대한민국정부1.2"

// Config holds the identifiers every outbound report's envelope and alert
// need, sourced from the same values casclient.Config carries.
type Config struct {
	// DestID is this central-service's own CAS destId, used as every
	// envelope's <data destId=...>.
	DestID string
	// SenderID is the CAP <sender> value (spec: "configured central-service ID").
	SenderID string
	// Txmit is the ACK-wait timer (default 10s, spec §4.4 step 4).
	Txmit time.Duration
}

type pendingAck struct {
	sequence int
	ch       chan ackResult
}

type ackResult struct {
	resultCode string
}

// Dispatcher sends report_transmit_log rows over the CAS socket and
// correlates their ACKs (spec §4.4 steps 1-6). It is wired as the
// poller.DispatchFunc for the CS reportTransmitWorker, and its HandleAck
// method is wired as casclient.Handlers.OnReportAck.
type Dispatcher struct {
	session    *casclient.Session
	publishLog *store.DisasterPublishLogStore
	transmit   *store.ReportTransmitLogStore
	cfg        Config

	mu      sync.Mutex
	pending map[string]*pendingAck // keyed by outbound_id
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(session *casclient.Session, publishLog *store.DisasterPublishLogStore, transmit *store.ReportTransmitLogStore, cfg Config) *Dispatcher {
	if cfg.Txmit <= 0 {
		cfg.Txmit = 10 * time.Second
	}
	return &Dispatcher{
		session:    session,
		publishLog: publishLog,
		transmit:   transmit,
		cfg:        cfg,
		pending:    make(map[string]*pendingAck),
	}
}

// Dispatch implements poller.DispatchFunc[*model.ReportTransmitLog].
func (d *Dispatcher) Dispatch(ctx context.Context, item *model.ReportTransmitLog) error {
	if d.session.State() != casclient.StateActive {
		// Spec §4.4 step 1: skip if not connected. Leaving the row PENDING
		// without charging a retry attempt reuses the same no-session
		// downgrade wsrelay.Emit raises for an offline WS subscriber.
		return &errs.NoActiveSession{SubscriberID: item.OutboundID}
	}

	seq := item.ReportSequence
	if item.Retries() > 0 {
		newSeq, err := d.transmit.IncrementSequence(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("increment report sequence: %w", err)
		}
		seq = newSeq
	}

	messageID, alert, err := d.buildAlert(ctx, item)
	if err != nil {
		var terminal *errs.TerminalFailure
		if errors.As(err, &terminal) {
			return err
		}
		return fmt.Errorf("build report alert: %w", err)
	}

	body, err := cap.Marshal(&cap.Envelope{
		DestID:      d.cfg.DestID,
		TransMsgID:  item.OutboundID,
		TransMsgSeq: seq,
		CapInfo:     &cap.CapInfo{Alert: *alert},
	})
	if err != nil {
		return fmt.Errorf("marshal report envelope: %w", err)
	}

	ch := make(chan ackResult, 1)
	d.mu.Lock()
	d.pending[item.OutboundID] = &pendingAck{sequence: seq, ch: ch}
	d.mu.Unlock()
	defer d.unregister(item.OutboundID)

	if err := d.session.Send(messageID, body); err != nil {
		return fmt.Errorf("send report frame: %w", err)
	}

	timer := time.NewTimer(d.cfg.Txmit)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.resultCode == "200" {
			return nil
		}
		return fmt.Errorf("report nack from CAS for %s: resultCode=%s", item.OutboundID, res.resultCode)
	case <-timer.C:
		return fmt.Errorf("ack timeout from CAS for %s", item.OutboundID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) unregister(outboundID string) {
	d.mu.Lock()
	delete(d.pending, outboundID)
	d.mu.Unlock()
}

// HandleAck matches casclient.Handlers.OnReportAck: it correlates
// ETS_CNF_DEVICE_INFO/STS and ETS_RES_DIS_REPORT responses by
// (outbound_id, report_sequence) against the in-flight send (spec §4.4
// step 5). A stale ack for a superseded sequence, or one with no matching
// in-flight send, is dropped.
func (d *Dispatcher) HandleAck(env *cap.Envelope, _ wire.MessageID) {
	d.mu.Lock()
	entry, ok := d.pending[env.TransMsgID]
	d.mu.Unlock()
	if !ok || entry.sequence != env.TransMsgSeq {
		return
	}
	select {
	case entry.ch <- ackResult{resultCode: env.ResultCode}:
	default:
	}
}

// buildAlert constructs the typed CAP alert per spec §4.4's CAP type table.
func (d *Dispatcher) buildAlert(ctx context.Context, item *model.ReportTransmitLog) (wire.MessageID, *cap.Alert, error) {
	switch item.Type {
	case model.ReportTypeDeviceInfo:
		return wire.NfyDeviceInfo, d.baseAlert(item, "단말장치 제원정보", "DIS", "DEVICE_DATA", nil), nil

	case model.ReportTypeDeviceStatus:
		return wire.NfyDeviceSts, d.baseAlert(item, "단말장치 상태정보", "DIS", "DEVICE_STATUS", nil), nil

	case model.ReportTypeDisasterResult:
		identifier := item.OutboundID
		if len(identifier) > len(disasterResultSuffix) {
			identifier = identifier[:len(identifier)-len(disasterResultSuffix)]
		}
		pub, err := d.publishLog.GetByIdentifier(ctx, identifier)
		if err != nil {
			return 0, nil, fmt.Errorf("look up disaster_publish_log for %q: %w", identifier, err)
		}
		if pub == nil {
			return 0, nil, &errs.TerminalFailure{Reason: fmt.Sprintf("disaster_publish_log not found for %q", identifier)}
		}
		origEnv, err := cap.Parse([]byte(pub.RawMessage))
		if err != nil || origEnv.CapInfo == nil {
			return 0, nil, &errs.TerminalFailure{Reason: fmt.Sprintf("cannot recover original alert for %q", identifier)}
		}
		original := origEnv.CapInfo.Alert
		alert := d.baseAlert(item, "결과 보고", "DIM", "LASReport", &cap.Reference{
			Sender:     original.Sender,
			Identifier: original.Identifier,
			Sent:       original.Sent,
		})
		alert.MsgType = "Ack"
		return wire.ReqDisReport, alert, nil

	default:
		return 0, nil, &errs.TerminalFailure{Reason: fmt.Sprintf("unknown report type %q", item.Type)}
	}
}

func (d *Dispatcher) baseAlert(item *model.ReportTransmitLog, event, eventCode, valueName string, ref *cap.Reference) *cap.Alert {
	return &cap.Alert{
		Identifier: item.OutboundID,
		Sender:     d.cfg.SenderID,
		Sent:       time.Now().Format("2006-01-02T15:04:05-07:00"),
		MsgType:    "Alert",
		Scope:      "Private",
		Code:       capCode,
		References: ref,
		Info: &cap.Info{
			Event:     event,
			EventCode: cap.EventCode{Value: eventCode},
			Parameter: &cap.Parameter{ValueName: valueName, Value: cap.NewCDATA(item.RawMessage)},
		},
	}
}
