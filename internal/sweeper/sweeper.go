// Package sweeper runs the background jobs that keep billing converged: it
// closes ACTIVE sessions whose client disappeared without reporting, and
// re-delivers metered-usage events that failed on first attempt.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/solvia/usage-gateway/internal/auth"
	"github.com/solvia/usage-gateway/internal/budget"
	"github.com/solvia/usage-gateway/internal/metrics"
	"github.com/solvia/usage-gateway/internal/reconcile"
	"github.com/solvia/usage-gateway/internal/session"
)

const (
	staleSessionSchedule = "@every 5m"
	retryPendingSchedule = "@every 1m"
)

type Sweeper struct {
	sessions   *session.Tracker
	profiles   auth.Store
	reconciler *reconcile.Reconciler
	maxActive  time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

func New(sessions *session.Tracker, profiles auth.Store, reconciler *reconcile.Reconciler, maxActive time.Duration) *Sweeper {
	return &Sweeper{
		sessions:   sessions,
		profiles:   profiles,
		reconciler: reconciler,
		maxActive:  maxActive,
		cron:       cron.New(),
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.cron.AddFunc(staleSessionSchedule, func() { s.CloseStaleSessions(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(retryPendingSchedule, func() { s.reconciler.RetryPending(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	log.Info().
		Str("stale_schedule", staleSessionSchedule).
		Str("retry_schedule", retryPendingSchedule).
		Dur("max_active", s.maxActive).
		Msg("sweeper started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// CloseStaleSessions ends every ACTIVE session older than the configured
// maximum and reports its minutes, exactly as a client-driven report would.
// Ownership is re-checked through the normal end path, so a session reported
// concurrently by its client is simply observed as already ended.
func (s *Sweeper) CloseStaleSessions(ctx context.Context) {
	stale, err := s.sessions.StaleActive(ctx, s.maxActive)
	if err != nil {
		log.Error().Err(err).Msg("sweeper: stale session listing failed")
		return
	}
	if len(stale) == 0 {
		return
	}
	log.Info().Int("count", len(stale)).Msg("sweeper: closing stale sessions")

	for _, candidate := range stale {
		sess, alreadyEnded, err := s.sessions.End(ctx, candidate.ID, candidate.UserID)
		if err != nil {
			log.Error().Err(err).Str("session_id", candidate.ID).Msg("sweeper: failed to end stale session")
			continue
		}
		if alreadyEnded {
			continue
		}
		metrics.SessionsEnded.Inc()
		s.reportEnded(ctx, sess)
	}
}

func (s *Sweeper) reportEnded(ctx context.Context, sess *session.Session) {
	profile, err := s.profiles.GetByUserID(ctx, sess.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", sess.UserID).Msg("sweeper: profile lookup failed, minutes not reported")
		return
	}
	minutes := *sess.BillableMinutes

	if profile.StripeCustomerID != "" && profile.Plan != budget.PlanFree {
		s.reconciler.ReportSession(ctx, &reconcile.MeterEvent{
			SessionID:  sess.ID,
			CustomerID: profile.StripeCustomerID,
			Minutes:    minutes,
			Timestamp:  *sess.EndedAt,
		})
	}
	if profile.Plan == budget.PlanStarter {
		if err := s.profiles.DecrementIncludedMinutes(ctx, profile.UserID, minutes); err != nil {
			log.Warn().Err(err).Str("user_id", profile.UserID).Msg("sweeper: failed to consume included minutes")
		}
	}
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		s.running = false
		log.Info().Msg("sweeper stopped")
	}
}
