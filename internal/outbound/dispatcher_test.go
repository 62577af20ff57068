package outbound

import (
	"context"
	"errors"
	"testing"

	"disasterrelay.example.org/gateway/internal/cap"
	"disasterrelay.example.org/gateway/internal/casclient"
	"disasterrelay.example.org/gateway/internal/errs"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/wire"
)

func newTestDispatcher() *Dispatcher {
	session := casclient.NewSession(casclient.Config{
		Host: "127.0.0.1", Port: 1, DestID: "KR.TEST", Password: "x",
		TResp: 1, TPong: 1, TSess: 1, TRecon: 1,
	}, casclient.Handlers{})
	return NewDispatcher(session, nil, nil, Config{DestID: "KR.TEST", SenderID: "KR.CENTRAL"})
}

func ackEnvelope(outboundID string, seq int, resultCode string) *cap.Envelope {
	return &cap.Envelope{TransMsgID: outboundID, TransMsgSeq: seq, ResultCode: resultCode}
}

func TestDispatchNoActiveSession(t *testing.T) {
	d := newTestDispatcher()
	item := &model.ReportTransmitLog{ID: "r1", OutboundID: "KR.TEST_1", Type: model.ReportTypeDeviceInfo, ReportSequence: 1}

	err := d.Dispatch(context.Background(), item)
	var noSession *errs.NoActiveSession
	if err == nil {
		t.Fatal("expected an error when the CAS session is not active")
	}
	if !errors.As(err, &noSession) {
		t.Fatalf("expected *errs.NoActiveSession, got %T: %v", err, err)
	}
}

func TestBuildAlertDeviceInfo(t *testing.T) {
	d := newTestDispatcher()
	item := &model.ReportTransmitLog{OutboundID: "KR.TEST_1", Type: model.ReportTypeDeviceInfo, RawMessage: "<device/>"}

	messageID, alert, err := d.buildAlert(context.Background(), item)
	if err != nil {
		t.Fatalf("buildAlert: %v", err)
	}
	if messageID != wire.NfyDeviceInfo {
		t.Errorf("expected NfyDeviceInfo, got %v", messageID)
	}
	if alert.MsgType != "Alert" || alert.Info.EventCode.Value != "DIS" {
		t.Errorf("unexpected alert shape: %+v", alert)
	}
	if alert.Info.Parameter.ValueName != "DEVICE_DATA" {
		t.Errorf("expected DEVICE_DATA valueName, got %q", alert.Info.Parameter.ValueName)
	}
	if alert.References != nil {
		t.Error("DEVICE_INFO alerts should not carry references")
	}
}

func TestBuildAlertDeviceStatus(t *testing.T) {
	d := newTestDispatcher()
	item := &model.ReportTransmitLog{OutboundID: "KR.TEST_2", Type: model.ReportTypeDeviceStatus, RawMessage: "<status/>"}

	messageID, alert, err := d.buildAlert(context.Background(), item)
	if err != nil {
		t.Fatalf("buildAlert: %v", err)
	}
	if messageID != wire.NfyDeviceSts {
		t.Errorf("expected NfyDeviceSts, got %v", messageID)
	}
	if alert.Info.Parameter.ValueName != "DEVICE_STATUS" {
		t.Errorf("expected DEVICE_STATUS valueName, got %q", alert.Info.Parameter.ValueName)
	}
}

func TestBuildAlertUnknownType(t *testing.T) {
	d := newTestDispatcher()
	item := &model.ReportTransmitLog{OutboundID: "KR.TEST_3", Type: model.ReportType("BOGUS")}

	_, _, err := d.buildAlert(context.Background(), item)
	var terminal *errs.TerminalFailure
	if !errors.As(err, &terminal) {
		t.Fatalf("expected a *errs.TerminalFailure for an unknown report type, got %T: %v", err, err)
	}
}

func TestHandleAckCorrelation(t *testing.T) {
	d := newTestDispatcher()
	ch := make(chan ackResult, 1)
	d.pending["KR.TEST_1"] = &pendingAck{sequence: 1, ch: ch}

	// Mismatched sequence: dropped.
	d.HandleAck(ackEnvelope("KR.TEST_1", 2, "200"), wire.CnfDeviceInfo)
	select {
	case <-ch:
		t.Fatal("expected a sequence mismatch to be dropped")
	default:
	}

	// Matching outbound_id and sequence: delivered.
	d.HandleAck(ackEnvelope("KR.TEST_1", 1, "200"), wire.CnfDeviceInfo)
	select {
	case res := <-ch:
		if res.resultCode != "200" {
			t.Errorf("expected resultCode 200, got %q", res.resultCode)
		}
	default:
		t.Fatal("expected a matching ack to be delivered")
	}

	// Unknown outbound_id: no panic, just dropped.
	d.HandleAck(ackEnvelope("KR.NOPE", 1, "200"), wire.CnfDeviceInfo)
}
