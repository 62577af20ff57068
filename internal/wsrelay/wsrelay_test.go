package wsrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"disasterrelay.example.org/gateway/internal/errs"
	"disasterrelay.example.org/gateway/internal/model"
)

type fakeConnLog struct {
	events []model.ConnectionLog
}

func (f *fakeConnLog) Insert(_ context.Context, l *model.ConnectionLog) (string, error) {
	f.events = append(f.events, *l)
	return "x", nil
}

type fakeAuth struct {
	systems map[string]*model.ExternalSystem // apiKey -> system
}

func (f *fakeAuth) GetByAPIKey(_ context.Context, apiKey string) (*model.ExternalSystem, error) {
	return f.systems[apiKey], nil
}

func newTestServer(t *testing.T, hub *Hub, auth SystemAuthenticator) *httptest.Server {
	t.Helper()
	h := NewHandler(hub, auth, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, systemName, apiKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"x-system-name": {systemName}, "x-api-key": {apiKey}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandlerRejectsUnauthenticated(t *testing.T) {
	hub := New(&fakeConnLog{}, time.Second)
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{}}
	srv := newTestServer(t, hub, auth)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestRegisterReplacesOldSocket(t *testing.T) {
	connLog := &fakeConnLog{}
	hub := New(connLog, time.Second)
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key1": {ID: "sub-1", SystemName: "acme"},
	}}
	srv := newTestServer(t, hub, auth)

	first := dial(t, srv, "acme", "key1")
	time.Sleep(50 * time.Millisecond) // let Register land

	dial(t, srv, "acme", "key1")
	time.Sleep(50 * time.Millisecond)

	// the first connection should now be closed server-side
	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("expected first connection to be closed after replacement")
	}

	if _, ok := hub.Get("sub-1"); !ok {
		t.Fatal("expected sub-1 to still have an active session")
	}
	if hub.Count() != 1 {
		t.Errorf("hub count = %d, want 1", hub.Count())
	}
}

func TestEmitAckSucceeds(t *testing.T) {
	connLog := &fakeConnLog{}
	hub := New(connLog, 2*time.Second)
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key1": {ID: "sub-1", SystemName: "acme"},
	}}
	srv := newTestServer(t, hub, auth)
	client := dial(t, srv, "acme", "key1")
	time.Sleep(50 * time.Millisecond)

	go func() {
		_, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		var evt eventFrame
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		ack, _ := json.Marshal(ackFrame{Status: "ack", LogID: evt.LogID})
		_ = client.WriteMessage(websocket.TextMessage, ack)
	}()

	err := hub.Emit(context.Background(), "sub-1", "log-1", "HTW-001", "<raw/>")
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
}

func TestEmitNoActiveSession(t *testing.T) {
	hub := New(&fakeConnLog{}, time.Second)
	err := hub.Emit(context.Background(), "missing", "log-1", "HTW-001", "<raw/>")
	if _, ok := err.(*errs.NoActiveSession); !ok {
		t.Errorf("got %T, want *errs.NoActiveSession", err)
	}
}

func TestEmitTimeout(t *testing.T) {
	connLog := &fakeConnLog{}
	hub := New(connLog, 100*time.Millisecond)
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key1": {ID: "sub-1", SystemName: "acme"},
	}}
	srv := newTestServer(t, hub, auth)
	_ = dial(t, srv, "acme", "key1") // never replies
	time.Sleep(50 * time.Millisecond)

	err := hub.Emit(context.Background(), "sub-1", "log-1", "HTW-001", "<raw/>")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestEmitNack(t *testing.T) {
	connLog := &fakeConnLog{}
	hub := New(connLog, 2*time.Second)
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key1": {ID: "sub-1", SystemName: "acme"},
	}}
	srv := newTestServer(t, hub, auth)
	client := dial(t, srv, "acme", "key1")
	time.Sleep(50 * time.Millisecond)

	go func() {
		_, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		var evt eventFrame
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		nack, _ := json.Marshal(ackFrame{Status: "nack", LogID: evt.LogID, Reason: "bad state"})
		_ = client.WriteMessage(websocket.TextMessage, nack)
	}()

	err := hub.Emit(context.Background(), "sub-1", "log-1", "HTW-001", "<raw/>")
	if err == nil {
		t.Fatal("expected nack error")
	}
}

func TestUnregisterOnlyRemovesMatchingSession(t *testing.T) {
	hub := New(&fakeConnLog{}, time.Second)
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key1": {ID: "sub-1", SystemName: "acme"},
	}}
	srv := newTestServer(t, hub, auth)

	dial(t, srv, "acme", "key1")
	time.Sleep(30 * time.Millisecond)
	firstSess, _ := hub.Get("sub-1")

	dial(t, srv, "acme", "key1")
	time.Sleep(30 * time.Millisecond)

	// simulate the old connection's Serve() loop exiting and calling Unregister
	hub.Unregister(context.Background(), "sub-1", firstSess)

	if _, ok := hub.Get("sub-1"); !ok {
		t.Error("expected sub-1's current session to survive a stale unregister")
	}
}

func TestServeAcksHeartbeat(t *testing.T) {
	hub := New(&fakeConnLog{}, time.Second)
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key1": {ID: "sub-1", SystemName: "acme"},
	}}
	srv := newTestServer(t, hub, auth)
	client := dial(t, srv, "acme", "key1")
	time.Sleep(30 * time.Millisecond)

	hb, err := json.Marshal(ackFrame{Event: "heartbeat"})
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read heartbeat ack: %v", err)
	}

	var reply heartbeatAckFrame
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal heartbeat ack: %v", err)
	}
	if reply.Status != "ok" {
		t.Errorf("expected status=ok, got %q", reply.Status)
	}
}
