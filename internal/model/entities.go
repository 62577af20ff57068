package model

import "time"

// ExternalSystem is the ESS registry row: source of truth for HTTP auth,
// CORS cache, and alert-fanout targeting.
type ExternalSystem struct {
	ID                   string
	SystemName           string
	APIKey               string
	OriginURLs           []string
	SubscribedEventCodes []string
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Subscribes reports whether this system has subscribed to eventCode.
func (s *ExternalSystem) Subscribes(eventCode string) bool {
	for _, c := range s.SubscribedEventCodes {
		if c == eventCode {
			return true
		}
	}
	return false
}

// Device is an ESS-owned terminal device, upserted on (ExternalSystemID, DeviceID).
type Device struct {
	ID               string
	ExternalSystemID string
	DeviceID         string
	Type             string
	Name             string
	ServerIP         string
	ServerName       string
	Model            string
	Lat              float64
	Lon              float64
	Address          string
	Note             string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// APIReceiveLog is an append-only audit row of every ES HTTP ingress call.
type APIReceiveLog struct {
	ID               string
	ExternalSystemID string
	RequestPath      string
	RequestBody      string
	CreatedAt        time.Time
}

// MQReceiveLog is the broker inbox row shared by both sides: append then
// state-transition only.
type MQReceiveLog struct {
	ID           string
	RawMessage   string
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisasterPublishLog is the CS outbox row feeding the broker's disaster.*
// stream. Identifier is the system-wide idempotency key for alert fan-out.
type DisasterPublishLog struct {
	ID              string
	TCPReceiveLogID string
	RoutingKey      string
	Identifier      string
	EventCode       string
	RawMessage      string
	Status          Status
	RetryCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EntryID satisfies poller.Entry.
func (l *DisasterPublishLog) EntryID() string { return l.ID }

// Retries satisfies poller.Entry.
func (l *DisasterPublishLog) Retries() int { return l.RetryCount }

// DisasterTransmitLog is the ES outbox row feeding a single subscriber's
// WebSocket. Unique on (ExternalSystemID, Identifier) — one row per alert
// per subscriber.
type DisasterTransmitLog struct {
	ID               string
	MQReceiveLogID   string
	ExternalSystemID string
	Identifier       string
	RawMessage       string
	Status           Status
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntryID satisfies poller.Entry.
func (l *DisasterTransmitLog) EntryID() string { return l.ID }

// Retries satisfies poller.Entry.
func (l *DisasterTransmitLog) Retries() int { return l.RetryCount }

// ReportType enumerates the three outbound report kinds.
type ReportType string

const (
	ReportTypeDeviceInfo     ReportType = "DEVICE_INFO"
	ReportTypeDeviceStatus   ReportType = "DEVICE_STATUS"
	ReportTypeDisasterResult ReportType = "DISASTER_RESULT"
)

// ReportPublishLog is the ES outbox row feeding the broker's report.external
// stream.
type ReportPublishLog struct {
	ID                 string
	Type               ReportType
	ExternalSystemName string
	APIReceiveLogID    string
	RoutingKey         string
	RawMessage         string
	Status             Status
	RetryCount         int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EntryID satisfies poller.Entry.
func (l *ReportPublishLog) EntryID() string { return l.ID }

// Retries satisfies poller.Entry.
func (l *ReportPublishLog) Retries() int { return l.RetryCount }

// ReportTransmitLog is the CS outbox row feeding the CAS TCP session. The
// tuple (OutboundID, ReportSequence) uniquely identifies a send attempt for
// ACK correlation.
type ReportTransmitLog struct {
	ID                 string
	MQReceiveLogID     string
	Type               ReportType
	OutboundID         string
	ExternalSystemName string
	RawMessage         string
	Status             Status
	RetryCount         int
	ReportSequence     int
	ErrorDetail        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EntryID satisfies poller.Entry.
func (l *ReportTransmitLog) EntryID() string { return l.ID }

// Retries satisfies poller.Entry.
func (l *ReportTransmitLog) Retries() int { return l.RetryCount }

// TCPReceiveLog is the CS inbox row from CAS. Unique on (InboundID,
// InboundSeq) — the primary dedup key for inbound disaster notifications.
type TCPReceiveLog struct {
	ID           string
	InboundID    string
	InboundSeq   int
	RawMessage   string
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeviceStatusLog is an append-only observational row reported by an ESS device.
type DeviceStatusLog struct {
	ID        string
	DeviceID  string
	Status    string
	Detail    string
	CreatedAt time.Time
}

// ConnectionLog is an append-only observational row for WS/TCP connect and
// disconnect events.
type ConnectionLog struct {
	ID        string
	SubjectID string
	Event     string // CONNECTED, DISCONNECTED
	Detail    string
	CreatedAt time.Time
}

// DefaultMaxRetries is the default retry ceiling shared by every outbox entity
// (spec §4.4 step 7, §4.6 step 6, §4.7). Retries strictly increase past it
// are never attempted — a row's retry_count crosses MaxRetries exactly once
// before it is marked terminal.
const DefaultMaxRetries = 3
