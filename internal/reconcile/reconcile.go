// Package reconcile reports billable session minutes to the external billing
// provider. Each ENDED session produces exactly one metered-usage event, with
// the session id as the provider-side idempotency key; an unreachable
// provider never blocks or corrupts local state.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/solvia/usage-gateway/internal/metrics"
)

// MeterEvent is one unit of billable consumption for the billing provider.
type MeterEvent struct {
	SessionID  string    `json:"session_id"`
	CustomerID string    `json:"customer_id"`
	Minutes    int       `json:"minutes"`
	Timestamp  time.Time `json:"timestamp"`
}

// MeterClient delivers a metered-usage event to the billing provider.
// Implementations must pass ev.SessionID as the idempotency key so provider
// retries never double-count.
type MeterClient interface {
	ReportUsage(ctx context.Context, ev *MeterEvent) error
}

// Queue holds meter events that could not be delivered, for out-of-band retry.
type Queue interface {
	Enqueue(ctx context.Context, ev *MeterEvent) error
	// Dequeue returns ErrQueueEmpty when nothing is pending.
	Dequeue(ctx context.Context) (*MeterEvent, error)
}

var ErrQueueEmpty = errors.New("no pending meter events")

type Reconciler struct {
	client MeterClient
	queue  Queue
}

func NewReconciler(client MeterClient, queue Queue) *Reconciler {
	return &Reconciler{client: client, queue: queue}
}

// ReportSession emits the session's metered-usage event. Delivery failure is
// non-fatal: the event is parked for retry and local ledger/session state
// stays authoritative. Callers must only invoke this once per ENDED session;
// the idempotency key protects against provider-side duplicates, not against
// calling this for sessions that never ended.
func (r *Reconciler) ReportSession(ctx context.Context, ev *MeterEvent) {
	if err := r.client.ReportUsage(ctx, ev); err != nil {
		metrics.MeterEvents.WithLabelValues("failed").Inc()
		log.Error().Err(err).
			Str("session_id", ev.SessionID).
			Int("billable_minutes", ev.Minutes).
			Msg("meter event delivery failed, queued for retry")
		if qErr := r.queue.Enqueue(ctx, ev); qErr != nil {
			log.Error().Err(qErr).Str("session_id", ev.SessionID).
				Msg("failed to queue meter event, usage report lost locally")
		}
		return
	}
	metrics.MeterEvents.WithLabelValues("ok").Inc()
}

// RetryPending drains queued meter events, each with capped exponential
// backoff. Events that still fail are re-queued for the next sweep.
func (r *Reconciler) RetryPending(ctx context.Context) {
	for {
		ev, err := r.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueEmpty) {
				log.Error().Err(err).Msg("failed to read pending meter events")
			}
			return
		}

		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, r.client.ReportUsage(ctx, ev)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))

		if err != nil {
			metrics.MeterEvents.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("session_id", ev.SessionID).
				Msg("meter event retry failed, re-queued")
			if qErr := r.queue.Enqueue(ctx, ev); qErr != nil {
				log.Error().Err(qErr).Str("session_id", ev.SessionID).
					Msg("failed to re-queue meter event")
			}
			return
		}
		metrics.MeterEvents.WithLabelValues("retried").Inc()
	}
}
