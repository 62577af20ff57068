// Package broker concretizes the spec's AMQP-shaped retry/DLQ topology
// (main exchange + retry/wait queue + DLX/DLQ) onto NATS JetStream, since no
// AMQP client exists anywhere in the retrieved corpus.
//
// Two stream pairs are managed: DISASTER (subjects disaster.>) and REPORT
// (subject report.external), each with a sibling dead-letter stream that the
// consumer publishes to explicitly on terminal failure, since JetStream has
// no native dead-letter routing of its own.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sony/gobreaker"

	"disasterrelay.example.org/gateway/internal/common/metrics"
)

const (
	DisasterStream    = "DISASTER"
	ReportStream      = "REPORT"
	DisasterDLQStream = "DISASTER_DLQ"
	ReportDLQStream   = "REPORT_DLQ"

	DisasterSubject    = "disaster.>"
	ReportSubject      = "report.external"
	DisasterDLQSubject = "disaster_dlq.>"
	ReportDLQSubject   = "report_dlq.>"
)

// Handler processes one delivery. retryCount is the number of prior delivery
// attempts (0 on first delivery). Returning a non-nil error causes a retry
// (via NakWithDelay) until retryCount reaches Config.MaxRetries, after which
// the delivery is routed to the stream's dead-letter stream and acked.
type Handler func(ctx context.Context, data []byte, retryCount int) error

// Config holds broker connection and retry-topology tuning.
type Config struct {
	URL        string
	RetryDelay time.Duration // wait-queue TTL equivalent
	MaxRetries int
	// StreamPrefix namespaces stream names only; subjects are not prefixed,
	// so brokers with different prefixes cannot share one NATS server.
	StreamPrefix string
}

// Broker owns the JetStream connection and the DISASTER/REPORT stream
// topology, grounded on the teacher's internal/queue/nats.Client wiring but
// generalized to manage four streams and the retry/DLQ consumer contract
// instead of one generic dispatch stream.
type Broker struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config

	disasterBreaker *gobreaker.CircuitBreaker
	reportBreaker   *gobreaker.CircuitBreaker
}

// New connects to NATS, ensures the four streams exist, and wires a publish
// circuit breaker per main stream.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("broker disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("broker reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b := &Broker{conn: conn, js: js, cfg: cfg}

	if err := b.ensureStreams(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	b.disasterBreaker = b.newBreaker(b.streamName(DisasterStream))
	b.reportBreaker = b.newBreaker(b.streamName(ReportStream))

	return b, nil
}

func (b *Broker) streamName(name string) string {
	if b.cfg.StreamPrefix == "" {
		return name
	}
	return b.cfg.StreamPrefix + "_" + name
}

// ensureStreams creates the four streams if absent. Subjects are always the
// literal disaster.>/report.external/disaster_dlq.>/report_dlq.> names from
// the mapping table; StreamPrefix only namespaces the stream names
// themselves, so a prefixed broker still must run against a NATS server of
// its own (two prefixed streams cannot both claim the same subject space).
func (b *Broker) ensureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      b.streamName(DisasterStream),
			Subjects:  []string{DisasterSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
			Replicas:  1,
		},
		{
			Name:      b.streamName(ReportStream),
			Subjects:  []string{ReportSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
			Replicas:  1,
		},
		{
			Name:      b.streamName(DisasterDLQStream),
			Subjects:  []string{DisasterDLQSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      b.streamName(ReportDLQStream),
			Subjects:  []string{ReportDLQSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, sc := range streams {
		if _, err := b.js.Stream(ctx, sc.Name); err != nil {
			if _, err := b.js.CreateStream(ctx, sc); err != nil {
				return fmt.Errorf("create stream %s: %w", sc.Name, err)
			}
			slog.Info("broker stream created", "stream", sc.Name)
		}
	}
	return nil
}

func (b *Broker) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("broker circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				metrics.BrokerCircuitOpenTotal.WithLabelValues(name).Inc()
			}
		},
	})
}

// PublishDisaster publishes a disaster notification to subject
// disaster.<eventCode>. dedupID, if non-empty, is carried as the JetStream
// Nats-Msg-Id header for broker-side deduplication.
func (b *Broker) PublishDisaster(ctx context.Context, eventCode string, data []byte, dedupID string) error {
	subject := "disaster." + eventCode
	return b.publish(ctx, b.disasterBreaker, b.streamName(DisasterStream), subject, data, dedupID)
}

// PublishReport publishes an outbound report to subject report.external.
func (b *Broker) PublishReport(ctx context.Context, data []byte, dedupID string) error {
	return b.publish(ctx, b.reportBreaker, b.streamName(ReportStream), ReportSubject, data, dedupID)
}

func (b *Broker) publish(ctx context.Context, breaker *gobreaker.CircuitBreaker, streamLabel, subject string, data []byte, dedupID string) error {
	_, err := breaker.Execute(func() (interface{}, error) {
		msg := &nats.Msg{Subject: subject, Data: data, Header: make(nats.Header)}
		if dedupID != "" {
			msg.Header.Set("Nats-Msg-Id", dedupID)
		}
		return b.js.PublishMsg(ctx, msg)
	})
	if err != nil {
		metrics.BrokerPublishTotal.WithLabelValues(streamLabel, "failure").Inc()
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	metrics.BrokerPublishTotal.WithLabelValues(streamLabel, "success").Inc()
	return nil
}

// ConsumeDisaster runs the retry/DLQ consumer loop against the DISASTER
// stream. It blocks until ctx is cancelled or the message iterator errors.
func (b *Broker) ConsumeDisaster(ctx context.Context, consumerName string, handler Handler) error {
	return b.consume(ctx, b.streamName(DisasterStream), b.streamName(DisasterDLQStream),
		DisasterSubject, consumerName, "disaster_dlq", handler)
}

// ConsumeReport runs the retry/DLQ consumer loop against the REPORT stream.
func (b *Broker) ConsumeReport(ctx context.Context, consumerName string, handler Handler) error {
	return b.consume(ctx, b.streamName(ReportStream), b.streamName(ReportDLQStream),
		ReportSubject, consumerName, "report_dlq", handler)
}

// consume implements spec §4.5's six-step consumer handler contract:
// retry_count comes off the delivery's own redelivery count (safe here since
// the retry path never republishes, only NakWithDelay-redelivers the same
// message); on retry_count >= MaxRetries the delivery is explicitly
// republished to the stream's DLQ and acked, rather than relying on
// JetStream's own max-deliver exhaustion.
func (b *Broker) consume(ctx context.Context, streamName, dlqStreamName, filterSubject, consumerName, dlqSubjectPrefix string, handler Handler) error {
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    b.cfg.MaxRetries + 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgIter, err := consumer.Messages()
	if err != nil {
		return fmt.Errorf("create message iterator: %w", err)
	}
	defer msgIter.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := msgIter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("broker message iterator error", "error", err, "consumer", consumerName)
			continue
		}

		retryCount := 0
		if meta, err := msg.Metadata(); err == nil {
			retryCount = int(meta.NumDelivered) - 1
		}

		handlerErr := handler(ctx, msg.Data(), retryCount)
		if handlerErr == nil {
			if err := msg.Ack(); err != nil {
				slog.Error("broker ack failed", "error", err, "consumer", consumerName)
			}
			continue
		}

		if retryCount < b.cfg.MaxRetries {
			metrics.BrokerRetryTotal.WithLabelValues(streamName).Inc()
			if err := msg.NakWithDelay(b.cfg.RetryDelay); err != nil {
				slog.Error("broker nak failed", "error", err, "consumer", consumerName)
			}
			continue
		}

		dlqSubject := dlqSubjectFor(dlqSubjectPrefix, msg.Subject())
		if err := b.publishToDLQ(ctx, dlqSubject, msg.Data(), retryCount, handlerErr); err != nil {
			slog.Error("broker DLQ publish failed, delivery nak'd", "error", err, "consumer", consumerName)
			_ = msg.Nak()
			continue
		}
		metrics.BrokerDLQTotal.WithLabelValues(streamName).Inc()
		if err := msg.Ack(); err != nil {
			slog.Error("broker terminal ack failed", "error", err, "consumer", consumerName)
		}
	}
}

// dlqSubjectFor maps an original delivery subject (disaster.HTW,
// report.external) onto its sibling DLQ stream's subject space
// (disaster_dlq.HTW, report_dlq.external).
func dlqSubjectFor(dlqPrefix, originalSubject string) string {
	parts := strings.SplitN(originalSubject, ".", 2)
	if len(parts) == 2 {
		return dlqPrefix + "." + parts[1]
	}
	return dlqPrefix + "." + originalSubject
}

func (b *Broker) publishToDLQ(ctx context.Context, subject string, data []byte, retryCount int, reason error) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: make(nats.Header)}
	msg.Header.Set("Nats-Msg-Retry-Count", strconv.Itoa(retryCount))
	msg.Header.Set("X-Dlq-Reason", reason.Error())
	_, err := b.js.PublishMsg(ctx, msg)
	return err
}

// Close closes the underlying NATS connection.
func (b *Broker) Close() error {
	b.conn.Close()
	return nil
}

// IsConnected reports whether the NATS connection is currently up, for
// wiring into internal/common/health.NATSCheck.
func (b *Broker) IsConnected() bool {
	return b.conn.IsConnected()
}
