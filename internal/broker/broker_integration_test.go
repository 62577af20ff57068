//go:build integration

package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random free port
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("embedded nats not ready")
	}
	t.Cleanup(ns.Shutdown)

	return ns.ClientURL()
}

func TestBrokerPublishAndConsumeDisaster(t *testing.T) {
	url := startEmbeddedNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := New(ctx, Config{URL: url, MaxRetries: 3, RetryDelay: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.Close()

	received := make(chan []byte, 1)
	go func() {
		_ = b.ConsumeDisaster(ctx, "test-disaster-consumer", func(_ context.Context, data []byte, retryCount int) error {
			received <- data
			return nil
		})
	}()

	if err := b.PublishDisaster(ctx, "HTW", []byte("payload"), ""); err != nil {
		t.Fatalf("publish disaster: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "payload" {
			t.Errorf("got %q, want %q", got, "payload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBrokerRetryThenDLQ(t *testing.T) {
	url := startEmbeddedNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := New(ctx, Config{URL: url, MaxRetries: 2, RetryDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.Close()

	var attempts int32
	go func() {
		_ = b.ConsumeReport(ctx, "test-report-consumer", func(_ context.Context, data []byte, retryCount int) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("dispatch failed")
		})
	}()

	if err := b.PublishReport(ctx, []byte("report-payload"), ""); err != nil {
		t.Fatalf("publish report: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if atomic.LoadInt32(&attempts) > int32(2) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected more than 2 delivery attempts, got %d", atomic.LoadInt32(&attempts))
		case <-time.After(50 * time.Millisecond):
		}
	}
}
