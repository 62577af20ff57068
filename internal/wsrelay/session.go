package wsrelay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// writeBufferSize bounds the outbound queue per session; a subscriber slow
// enough to fill it is treated as unreachable rather than blocking the
// reliable-emit caller.
const writeBufferSize = 64

// ackFrame is the inbound frame shape a subscriber sends. Event discriminates
// a plain ack/nack reply (empty) from a client "heartbeat" (spec §6): a
// heartbeat carries no logId and is answered directly rather than resolving
// a pending emit.
type ackFrame struct {
	Event  string `json:"event,omitempty"` // "heartbeat" for a client heartbeat frame
	Status string `json:"status"`          // "ack" or "nack"
	LogID  string `json:"logId"`
	Reason string `json:"reason,omitempty"`
}

// eventFrame is the outbound frame shape for a reliable-emit attempt.
type eventFrame struct {
	Event      string `json:"event"`
	LogID      string `json:"logId"`
	Identifier string `json:"identifier"`
	RawMessage string `json:"rawMessage"`
}

// heartbeatAckFrame is the server-acknowledged callback for a client
// heartbeat (spec §6): `{status:"ok"}`.
type heartbeatAckFrame struct {
	Status string `json:"status"`
}

// Session wraps one subscriber's WebSocket: an outbound write pump, an
// inbound read pump that routes ack/nack frames to whichever Emit call is
// waiting on that logId, and idempotent close.
type Session struct {
	subscriberID string
	conn         *websocket.Conn
	send         chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	pending map[string]chan ackFrame
}

func newSession(subscriberID string, conn *websocket.Conn) *Session {
	s := &Session{
		subscriberID: subscriberID,
		conn:         conn,
		send:         make(chan []byte, writeBufferSize),
		closed:       make(chan struct{}),
		pending:      make(map[string]chan ackFrame),
	}
	go s.writePump()
	return s
}

// Serve runs the read pump until the connection breaks or Close is called.
// It blocks; the HTTP handler calls it after Register, on the request's own
// goroutine.
func (s *Session) Serve() {
	defer s.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame ackFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("wsrelay malformed ack frame", "subscriber", s.subscriberID, "error", err)
			continue
		}
		if frame.Event == "heartbeat" {
			s.sendHeartbeatAck()
			continue
		}
		s.resolve(frame)
	}
}

// sendHeartbeatAck answers a client heartbeat frame with {"status":"ok"},
// queued through the same send channel the write pump drains so all writes
// to the socket stay on one goroutine.
func (s *Session) sendHeartbeatAck() {
	data, err := json.Marshal(heartbeatAckFrame{Status: "ok"})
	if err != nil {
		slog.Error("marshal heartbeat ack", "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.closed:
	default:
		// Send buffer full: drop the heartbeat ack rather than block the read pump.
	}
}

func (s *Session) writePump() {
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// emit queues an event frame and returns a channel that receives the
// matching ack/nack frame. Cleanup of the pending slot is the caller's
// responsibility via unregisterPending.
func (s *Session) emit(logID, identifier, rawMessage string) (chan ackFrame, error) {
	data, err := json.Marshal(eventFrame{Event: "disaster", LogID: logID, Identifier: identifier, RawMessage: rawMessage})
	if err != nil {
		return nil, err
	}

	ch := make(chan ackFrame, 1)
	s.mu.Lock()
	s.pending[logID] = ch
	s.mu.Unlock()

	select {
	case s.send <- data:
		return ch, nil
	case <-s.closed:
		s.unregisterPending(logID)
		return nil, websocket.ErrCloseSent
	default:
		// Send buffer full: subscriber isn't draining, treat like closed.
		s.unregisterPending(logID)
		return nil, websocket.ErrCloseSent
	}
}

func (s *Session) unregisterPending(logID string) {
	s.mu.Lock()
	delete(s.pending, logID)
	s.mu.Unlock()
}

func (s *Session) resolve(frame ackFrame) {
	s.mu.Lock()
	ch, ok := s.pending[frame.LogID]
	if ok {
		delete(s.pending, frame.LogID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

// Close idempotently tears down the session: stops the write pump and
// closes the underlying socket.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
