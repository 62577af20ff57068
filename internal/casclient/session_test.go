package casclient

import (
	"context"
	"net"
	"testing"
	"time"

	"disasterrelay.example.org/gateway/internal/cap"
	"disasterrelay.example.org/gateway/internal/wire"
)

// fakeCAS drives the server side of a net.Pipe connection, issuing a digest
// challenge and then a single disaster notification, to exercise the
// session's handshake and notify/ack handling without a real socket.
type fakeCAS struct {
	conn   net.Conn
	magic  uint32
	deframe *wire.Deframer
}

func newFakeCAS(conn net.Conn, magic uint32) *fakeCAS {
	return &fakeCAS{conn: conn, magic: magic, deframe: wire.NewDeframer(magic, 1<<20)}
}

func (f *fakeCAS) readFrame(t *testing.T) wire.Frame {
	buf := make([]byte, 4096)
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			t.Fatalf("fake cas read: %v", err)
		}
		frames, ferr := f.deframe.Feed(buf[:n])
		if ferr != nil {
			t.Fatalf("fake cas framing error: %v", ferr)
		}
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

func (f *fakeCAS) writeEnvelope(t *testing.T, messageID wire.MessageID, env *cap.Envelope) {
	body, err := cap.Marshal(env)
	if err != nil {
		t.Fatalf("marshal fake cas envelope: %v", err)
	}
	if _, err := f.conn.Write(wire.EncodeFrame(messageID, f.magic, body)); err != nil {
		t.Fatalf("fake cas write: %v", err)
	}
}

func testConfig() Config {
	return Config{
		DestID:        "ES01",
		Password:      "secret",
		MagicNumber:   0xCAFEBABE,
		MaxBodyLength: 1 << 20,
		TResp:         2 * time.Second,
		TPong:         2 * time.Second,
		TSess:         time.Hour,
		TRecon:        time.Second,
	}
}

func TestSessionHandshakeAndNotify(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	cfg := testConfig()

	var ackNote string

	s := NewSession(cfg, Handlers{
		OnDisasterNotify: func(ctx context.Context, env *cap.Envelope) *cap.Alert {
			ack := cap.BuildAck(&env.CapInfo.Alert, "000", "OK")
			ackNote = ack.Note
			return ack
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = s.serve(ctx, clientConn)
	}()

	fake := newFakeCAS(serverConn, cfg.MagicNumber)

	// The session's connectAndServe() normally sends the initial
	// ReqSysCon before calling serve(); serve() alone only reads, so drive
	// the challenge/response directly against serve().
	fake.writeEnvelope(t, wire.ResSysCon, &cap.Envelope{
		Realm:      "cas-realm",
		Nonce:      "nonce-1",
		ResultCode: "401",
	})
	challengeResp := fake.readFrame(t)
	if challengeResp.Header.MessageID != wire.ReqSysCon {
		t.Fatalf("expected ReqSysCon in response to challenge, got %#x", challengeResp.Header.MessageID)
	}
	respEnv, err := cap.Parse(challengeResp.Body)
	if err != nil {
		t.Fatalf("parse digest response: %v", err)
	}
	if respEnv.Response == "" {
		t.Fatalf("expected non-empty digest response")
	}

	fake.writeEnvelope(t, wire.ResSysCon, &cap.Envelope{ResultCode: "200"})

	if st := waitForState(s, StateActive, time.Second); st != StateActive {
		t.Fatalf("expected session to reach ACTIVE, got %s", st)
	}

	fake.writeEnvelope(t, wire.NfyDisInfo, &cap.Envelope{
		TransMsgID:  "T1",
		TransMsgSeq: 1,
		CapInfo: &cap.CapInfo{
			Alert: cap.Alert{
				Identifier: "ALERT1",
				Sender:     "CAS",
				Sent:       "2026-08-03T00:00:00+09:00",
			},
		},
	})

	ackFrame := fake.readFrame(t)
	if ackFrame.Header.MessageID != wire.CnfDisInfo {
		t.Fatalf("expected CnfDisInfo ack, got %#x", ackFrame.Header.MessageID)
	}
	ackEnv, err := cap.Parse(ackFrame.Body)
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if ackEnv.CapInfo.Alert.Identifier != "ALERT1_ACK" {
		t.Fatalf("ack identifier = %q", ackEnv.CapInfo.Alert.Identifier)
	}
	if ackNote != "000|OK" {
		t.Fatalf("ack note = %q", ackNote)
	}
}

func waitForState(s *Session, want State, timeout time.Duration) State {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.State(); got == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.State()
}

func TestStateStringValues(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:      "DISCONNECTED",
		StateConnecting:        "CONNECTING",
		StateAwaitingChallenge: "AWAITING_CHALLENGE",
		StateAwaitingAuthResult: "AWAITING_AUTH_RESULT",
		StateActive:            "ACTIVE",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
