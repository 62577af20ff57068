package wsrelay

import (
	"context"
	"fmt"
	"time"

	"disasterrelay.example.org/gateway/internal/common/metrics"
	"disasterrelay.example.org/gateway/internal/errs"
	"disasterrelay.example.org/gateway/internal/model"
)

// Emit performs steps 3-6 of the reliable-emit algorithm (spec §4.6) for one
// disaster_transmit_log row: look up the subscriber's active socket, send
// the event, and resolve on ack, nack, timeout, or context cancellation.
// The row's PENDING→SENT transition and its terminal resolution on return
// are the caller's responsibility (internal/poller.Worker), driven by the
// error this returns:
//   - nil: ack received, mark SUCCESS.
//   - *errs.NoActiveSession: no socket, leave/revert to PENDING, no retry charge.
//   - any other error: nack or timeout, bump retry_count (or FAILED past the ceiling).
func (h *Hub) Emit(ctx context.Context, subscriberID, logID, identifier, rawMessage string) error {
	sess, ok := h.Get(subscriberID)
	if !ok {
		return &errs.NoActiveSession{SubscriberID: subscriberID}
	}

	ch, err := sess.emit(logID, identifier, rawMessage)
	if err != nil {
		return &errs.NoActiveSession{SubscriberID: subscriberID}
	}
	defer sess.unregisterPending(logID)

	timer := time.NewTimer(h.txmit)
	defer timer.Stop()

	select {
	case frame := <-ch:
		if frame.Status == "ack" {
			return nil
		}
		return fmt.Errorf("nack from subscriber %s for log %s: %s", subscriberID, logID, frame.Reason)

	case <-timer.C:
		metrics.WSEmitTimeoutTotal.Inc()
		return fmt.Errorf("ack timeout from subscriber %s for log %s", subscriberID, logID)

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch adapts Emit to internal/poller.DispatchFunc for
// *model.DisasterTransmitLog, the shape disasterTransmitWorker is built
// with in cmd/external-service.
func (h *Hub) Dispatch(ctx context.Context, item *model.DisasterTransmitLog) error {
	return h.Emit(ctx, item.ExternalSystemID, item.ID, item.Identifier, item.RawMessage)
}
