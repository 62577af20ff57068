// Package wsrelay implements the ES session manager and reliable-emit
// engine for the subscriber-facing WebSocket surface (spec §4.6): a keyed
// map of at most one active socket per subscriber, and a callback/timer
// driven emit that resolves to success, failure, or timeout.
package wsrelay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"disasterrelay.example.org/gateway/internal/common/metrics"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/store"
)

// ConnectionLogger is the subset of ConnectionLogStore the Hub needs.
type ConnectionLogger interface {
	Insert(ctx context.Context, l *model.ConnectionLog) (string, error)
}

// Hub owns the subscriberId → *Session map. It is the only mutator; all
// reads and writes to the map take the same mutex.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session

	connLog ConnectionLogger
	txmit   time.Duration
}

// New constructs a Hub. txmit is the reliable-emit ACK deadline (T_xmit).
func New(connLog ConnectionLogger, txmit time.Duration) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		connLog:  connLog,
		txmit:    txmit,
	}
}

// Register installs a new socket for subscriberId, forcibly closing and
// dropping any prior socket for the same id first (spec §4.6 step 1-2).
func (h *Hub) Register(ctx context.Context, subscriberID string, conn *websocket.Conn) *Session {
	sess := newSession(subscriberID, conn)

	h.mu.Lock()
	old := h.sessions[subscriberID]
	h.sessions[subscriberID] = sess
	h.mu.Unlock()

	if old != nil {
		h.logEvent(ctx, subscriberID, "DISCONNECTED", "replaced by new connection")
		old.Close()
	}
	h.logEvent(ctx, subscriberID, "CONNECTED", "")
	metrics.WSActiveSubscribers.Set(float64(h.Count()))

	return sess
}

// Unregister removes subscriberId's session from the map, but only if the
// currently-mapped session is the one that disconnected — protects against
// the race where a replacement socket has already taken its place.
func (h *Hub) Unregister(ctx context.Context, subscriberID string, sess *Session) {
	h.mu.Lock()
	current, ok := h.sessions[subscriberID]
	removed := ok && current == sess
	if removed {
		delete(h.sessions, subscriberID)
	}
	h.mu.Unlock()

	if removed {
		h.logEvent(ctx, subscriberID, "DISCONNECTED", "")
		metrics.WSActiveSubscribers.Set(float64(h.Count()))
	}
}

// Get returns the active session for subscriberId, if any.
func (h *Hub) Get(subscriberID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[subscriberID]
	return sess, ok
}

// Count returns the number of currently mapped sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close closes every active session, for graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

func (h *Hub) logEvent(ctx context.Context, subscriberID, event, detail string) {
	if h.connLog == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := h.connLog.Insert(lctx, &model.ConnectionLog{SubjectID: subscriberID, Event: event, Detail: detail}); err != nil {
		slog.Error("wsrelay connection log insert failed", "subscriber", subscriberID, "event", event, "error", err)
	}
}

var _ ConnectionLogger = (*store.ConnectionLogStore)(nil)
