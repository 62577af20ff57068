// Package casclient implements the CAS session state machine: a single
// long-lived authenticated TCP connection with digest challenge/response,
// ping/pong liveness, and auto-reconnect (spec §4.2).
package casclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"disasterrelay.example.org/gateway/internal/cap"
	"disasterrelay.example.org/gateway/internal/common/metrics"
	"disasterrelay.example.org/gateway/internal/digest"
	"disasterrelay.example.org/gateway/internal/wire"
)

// State is one of the five CAS session states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAwaitingAuthResult
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingChallenge:
		return "AWAITING_CHALLENGE"
	case StateAwaitingAuthResult:
		return "AWAITING_AUTH_RESULT"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Config holds the CAS endpoint, credentials, and timer durations.
type Config struct {
	Host            string
	Port            int
	DestID          string
	Password        string
	CentralSystemID string
	MagicNumber     uint32
	MaxBodyLength   int

	TResp  time.Duration
	TPong  time.Duration
	TSess  time.Duration
	TRecon time.Duration
}

// Handlers are the disaster-notify and ACK callbacks the caller supplies;
// the session driver itself owns only transport and auth, not pipeline logic.
type Handlers struct {
	// OnDisasterNotify handles ETS_NFY_DIS_INFO and returns the ack alert to send.
	OnDisasterNotify func(ctx context.Context, env *cap.Envelope) *cap.Alert
	// OnReportAck handles ETS_CNF_DEVICE_INFO/STS and ETS_RES_DIS_REPORT.
	OnReportAck func(env *cap.Envelope, messageID wire.MessageID)
}

// Session owns one CAS TCP connection and its FSM. Single goroutine/owner
// model: all state transitions happen on the driver goroutine.
type Session struct {
	cfg      Config
	auth     *digest.DigestAuthenticator
	handlers Handlers

	mu    sync.Mutex
	state State
	conn  net.Conn

	shouldReconnect bool
	cancel          context.CancelFunc
}

// NewSession constructs a Session. Call Run to start the driver loop.
func NewSession(cfg Config, handlers Handlers) *Session {
	return &Session{
		cfg:             cfg,
		auth:            digest.NewDigestAuthenticator(cfg.DestID, cfg.Password),
		handlers:        handlers,
		state:           StateDisconnected,
		shouldReconnect: true,
	}
}

// State returns the current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	for _, label := range []State{StateDisconnected, StateConnecting, StateAwaitingChallenge, StateAwaitingAuthResult, StateActive} {
		v := 0.0
		if label == st {
			v = 1.0
		}
		metrics.CASSessionState.WithLabelValues(label.String()).Set(v)
	}
}

// Send writes a frame to the socket. It no-ops if the session is not ACTIVE
// (spec §5 "writers must go through send(buffer) which no-ops if the
// connection is not ACTIVE"), except for the handshake frames the driver
// itself sends directly while connecting.
func (s *Session) Send(messageID wire.MessageID, body []byte) error {
	s.mu.Lock()
	active := s.state == StateActive
	conn := s.conn
	s.mu.Unlock()

	if !active || conn == nil {
		return nil
	}
	return s.writeFrame(conn, messageID, body)
}

func (s *Session) writeFrame(conn net.Conn, messageID wire.MessageID, body []byte) error {
	frame := wire.EncodeFrame(messageID, s.cfg.MagicNumber, body)
	_, err := conn.Write(frame)
	if err == nil {
		metrics.CASFramesReceivedTotal.WithLabelValues("outbound").Inc()
	}
	return err
}

// Run drives the session until ctx is cancelled. It blocks, reconnecting
// with T_recon-bounded backoff on every disconnect, until told to stop.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    s.cfg.TRecon,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		shouldReconnect := s.shouldReconnect
		s.mu.Unlock()
		if !shouldReconnect {
			return
		}

		if err := s.connectAndServe(ctx); err != nil {
			slog.Warn("cas session ended", "error", err)
		}
		metrics.CASReconnectTotal.Inc()

		wait := b.Duration()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Stop requests graceful shutdown: no further reconnects are attempted.
func (s *Session) Stop() {
	s.mu.Lock()
	s.shouldReconnect = false
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, s.cfg.TResp)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dial cas: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.setState(StateAwaitingChallenge)

	env := &cap.Envelope{DestID: s.cfg.DestID}
	body, err := cap.Marshal(env)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("marshal auth request: %w", err)
	}
	if err := s.writeFrame(conn, wire.ReqSysCon, body); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("send auth request: %w", err)
	}

	return s.serve(ctx, conn)
}

// serve reads frames off conn and dispatches them until the connection
// breaks or ctx is cancelled.
func (s *Session) serve(ctx context.Context, conn net.Conn) error {
	deframer := wire.NewDeframer(s.cfg.MagicNumber, s.cfg.MaxBodyLength)

	respDeadline := time.Now().Add(s.cfg.TResp)
	var sessTicker *time.Ticker
	var pongTimer *time.Timer
	defer func() {
		if sessTicker != nil {
			sessTicker.Stop()
		}
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	readCh := make(chan []byte, 16)
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case readCh <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		var timeoutCh <-chan time.Time
		if s.State() != StateActive {
			timeoutCh = time.After(time.Until(respDeadline))
		}

		var pongCh <-chan time.Time
		if pongTimer != nil {
			pongCh = pongTimer.C
		}
		var sessCh <-chan time.Time
		if sessTicker != nil {
			sessCh = sessTicker.C
		}

		select {
		case <-ctx.Done():
			return nil

		case err := <-errCh:
			s.setState(StateDisconnected)
			return fmt.Errorf("read cas socket: %w", err)

		case <-timeoutCh:
			s.setState(StateDisconnected)
			return fmt.Errorf("T_resp expired awaiting %s", s.State())

		case <-pongCh:
			slog.Warn("cas pong timeout, destroying socket")
			s.setState(StateDisconnected)
			return fmt.Errorf("T_pong expired")

		case <-sessCh:
			ts := time.Now().Format("2006-01-02T15:04:05-07:00")
			body, err := cap.Marshal(&cap.Envelope{DestID: s.cfg.DestID, Cmd: "alive", Time: ts})
			if err == nil {
				_ = s.writeFrame(conn, wire.ReqSysSts, body)
			}
			pongTimer = time.NewTimer(s.cfg.TPong)

		case chunk := <-readCh:
			frames, ferr := deframer.Feed(chunk)
			for _, f := range frames {
				metrics.CASFramesReceivedTotal.WithLabelValues("inbound").Inc()
				if sst, done := s.handleFrame(ctx, conn, f, &respDeadline, &sessTicker, &pongTimer); done {
					return sst
				}
			}
			if ferr != nil {
				metrics.CASFramingErrorsTotal.Inc()
				slog.Warn("cas framing error, buffer purged", "error", ferr)
				// Connection continues per spec §4.1; the deframer has
				// already discarded its buffer.
			}
		}
	}
}

// handleFrame dispatches one decoded frame. The returned bool signals that
// serve should return (with the accompanying error, possibly nil on clean
// disconnect); state-only transitions return false to keep reading.
func (s *Session) handleFrame(ctx context.Context, conn net.Conn, f wire.Frame, respDeadline *time.Time, sessTicker **time.Ticker, pongTimer **time.Timer) (error, bool) {
	switch f.Header.MessageID {
	case wire.ResSysCon:
		return s.handleAuthResponse(conn, f, respDeadline, sessTicker)

	case wire.ResSysSts:
		if *pongTimer != nil {
			(*pongTimer).Stop()
			*pongTimer = nil
		}
		return nil, false

	case wire.NfyDisInfo:
		env, err := cap.Parse(f.Body)
		if err != nil {
			metrics.CASFramingErrorsTotal.Inc()
			ack := cap.BuildAck(&cap.Alert{}, "810", "malformed envelope")
			s.sendDisasterAck(conn, &cap.Envelope{}, ack)
			return nil, false
		}
		if s.handlers.OnDisasterNotify == nil {
			return nil, false
		}
		ack := s.handlers.OnDisasterNotify(ctx, env)
		if ack != nil {
			s.sendDisasterAck(conn, env, ack)
		}
		return nil, false

	case wire.CnfDeviceInfo, wire.CnfDeviceSts, wire.ResDisReport:
		env, err := cap.Parse(f.Body)
		if err != nil {
			return nil, false
		}
		if s.handlers.OnReportAck != nil {
			s.handlers.OnReportAck(env, f.Header.MessageID)
		}
		return nil, false

	default:
		slog.Debug("unhandled cas message", "messageId", f.Header.MessageID)
		return nil, false
	}
}

func (s *Session) handleAuthResponse(conn net.Conn, f wire.Frame, respDeadline *time.Time, sessTicker **time.Ticker) (error, bool) {
	env, err := cap.Parse(f.Body)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("parse auth response: %w", err), true
	}

	switch env.ResultCode {
	case "401":
		response := s.auth.Response(env.Realm, env.Nonce)
		body, err := cap.Marshal(&cap.Envelope{
			DestID:   s.cfg.DestID,
			Realm:    env.Realm,
			Nonce:    env.Nonce,
			Response: response,
		})
		if err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("marshal digest response: %w", err), true
		}
		if err := s.writeFrame(conn, wire.ReqSysCon, body); err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("send digest response: %w", err), true
		}
		s.setState(StateAwaitingAuthResult)
		*respDeadline = time.Now().Add(s.cfg.TResp)
		return nil, false

	case "200":
		s.setState(StateActive)
		*sessTicker = time.NewTicker(s.cfg.TSess)
		return nil, false

	default:
		metrics.CASAuthFailuresTotal.Inc()
		s.setState(StateDisconnected)
		return fmt.Errorf("cas auth failed with resultCode=%s", env.ResultCode), true
	}
}

func (s *Session) sendDisasterAck(conn net.Conn, original *cap.Envelope, ack *cap.Alert) {
	body, err := cap.Marshal(&cap.Envelope{
		ResultCode:  resultCodeForNote(ack.Note),
		Result:      resultForNote(ack.Note),
		TransMsgID:  original.TransMsgID,
		TransMsgSeq: original.TransMsgSeq,
		CapInfo:     &cap.CapInfo{Alert: *ack},
	})
	if err != nil {
		slog.Error("marshal disaster ack", "error", err)
		return
	}
	if err := s.writeFrame(conn, wire.CnfDisInfo, body); err != nil {
		slog.Error("send disaster ack", "error", err)
	}
}

func resultCodeForNote(note string) string {
	if len(note) >= 3 && note[:3] == "000" {
		return "200"
	}
	return "400"
}

func resultForNote(note string) string {
	if len(note) >= 3 && note[:3] == "000" {
		return "OK"
	}
	return "ERROR"
}
