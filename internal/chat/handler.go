package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/solvia/usage-gateway/internal/auth"
	"github.com/solvia/usage-gateway/internal/budget"
	"github.com/solvia/usage-gateway/internal/conversation"
	"github.com/solvia/usage-gateway/internal/ledger"
	"github.com/solvia/usage-gateway/internal/metrics"
	"github.com/solvia/usage-gateway/internal/pricing"
	"github.com/solvia/usage-gateway/internal/provider"
	"github.com/solvia/usage-gateway/internal/reconcile"
	"github.com/solvia/usage-gateway/internal/session"
	"github.com/solvia/usage-gateway/internal/tokenizer"
	"github.com/solvia/usage-gateway/pkg/ratelimit"
)

// Deps are the collaborators the chat handler drives.
type Deps struct {
	Ledger        *ledger.Service
	Sessions      *session.Tracker
	Conversations conversation.Store
	Profiles      auth.Store
	Upstream      *Upstream
	Reconciler    *reconcile.Reconciler
	Policy        budget.Policy
	Estimator     tokenizer.Estimator
	Limiter       *ratelimit.Limiter
	Tracer        trace.Tracer
}

type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	SessionKey     string        `json:"session_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Language       string        `json:"language,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// HandleChat drives one streaming response under budget enforcement: the
// token ceiling is fixed from the ledger before the provider is called, a
// hard-limited ledger rejects the request before any tokens are consumed,
// and usage is settled into ledger and session before the stream closes.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profile := auth.GetProfile(ctx)
	if profile == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 || req.SessionKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages and session_id are required"})
		return
	}

	_, span := h.deps.Tracer.Start(ctx, "chat.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", profile.UserID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("plan", profile.Plan),
	)

	if profile.Plan == "" || profile.Plan == budget.PlanFree {
		metrics.RequestsRejected.WithLabelValues("no_plan").Inc()
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":   "NO_PLAN",
			"message": "Please subscribe to use Solvia",
		})
		return
	}

	periodStart, periodEnd := profile.CurrentPeriodStart, profile.CurrentPeriodEnd
	if periodStart.IsZero() {
		periodStart = time.Now()
	}
	if periodEnd.IsZero() {
		periodEnd = time.Now().Add(30 * 24 * time.Hour)
	}

	entry, err := h.deps.Ledger.GetOrCreate(ctx, profile.UserID, profile.Plan, periodStart, periodEnd)
	if err != nil {
		log.Error().Err(err).Str("user_id", profile.UserID).Msg("ledger lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	// Hard limit rejects before any provider call; nothing is billed.
	if h.deps.Policy.IsHardLimit(entry.EstimatedCostEUR, entry.BudgetEUR) {
		metrics.RequestsRejected.WithLabelValues("hard_limit").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":   "HARD_LIMIT",
			"message": "Budget exhausted. Please upgrade your plan.",
		})
		return
	}

	allowed, err := h.deps.Limiter.Allow(ctx, profile.UserID)
	if err != nil || !allowed {
		metrics.RequestsRejected.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	// The allowance is fixed before generation starts, from running cost
	// alone; final output length is unknowable here.
	maxTokens, softLimited := h.deps.Policy.ResponseTokenLimit(entry.EstimatedCostEUR, entry.BudgetEUR)

	convID := req.ConversationID
	newConversation := false
	if convID == "" {
		conv := &conversation.Conversation{UserID: profile.UserID, SessionKey: req.SessionKey}
		if err := h.deps.Conversations.Create(ctx, conv); err != nil {
			log.Error().Err(err).Str("user_id", profile.UserID).Msg("conversation create failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		convID = conv.ID
		newConversation = true
	}

	lastMsg := req.Messages[len(req.Messages)-1]
	if lastMsg.Role == "user" {
		if err := h.deps.Conversations.AppendMessage(ctx, convID, "user", lastMsg.Content); err != nil {
			log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to persist user message")
		}
	}

	sess, err := h.deps.Sessions.EnsureActive(ctx, profile.UserID, convID)
	if err != nil {
		log.Error().Err(err).Str("user_id", profile.UserID).Msg("session lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	provReq := &provider.Request{
		System:          buildSystemPrompt(req.Language),
		Messages:        mapMessages(req.Messages),
		MaxOutputTokens: maxTokens,
		Temperature:     0.85,
		TopP:            0.95,
		TopK:            40,
	}

	ch, cancel, err := h.deps.Upstream.Stream(ctx, provReq)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  "UPSTREAM_ERROR",
			"detail": err.Error(),
		})
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	metrics.StreamsInFlight.Inc()
	defer metrics.StreamsInFlight.Dec()

	// The warning is a structured first frame, distinct from text content,
	// so the client can show a degraded-quality notice mid-stream.
	if softLimited {
		writeEvent(w, map[string]string{"warning": "SOFT_LIMIT", "conversation_id": convID})
		flusher.Flush()
	}

	var fullResponse string
	for chunk := range ch {
		if chunk.Err != nil {
			writeEvent(w, map[string]string{"error": "stream error"})
			flusher.Flush()
			break
		}
		if chunk.Done {
			break
		}
		fullResponse += chunk.Delta
		writeEvent(w, map[string]string{"text": chunk.Delta, "conversation_id": convID})
		flusher.Flush()
	}

	// Settle before the stream closes. Output already delivered stays billed
	// even on upstream errors or client disconnect, so the settlement context
	// must survive request cancellation.
	h.settle(context.WithoutCancel(ctx), entry, sess, convID, &req, fullResponse, newConversation)

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func mapMessages(in []chatMessage) []provider.Message {
	out := make([]provider.Message, len(in))
	for i, m := range in {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func writeEvent(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// settle estimates the request/response token counts, prices them, and
// records the usage in ledger and session. Cost reflects work actually
// performed, not client acknowledgment.
func (h *Handler) settle(ctx context.Context, entry *ledger.Entry, sess *session.Session, convID string, req *chatRequest, fullResponse string, newConversation bool) {
	if fullResponse != "" {
		if err := h.deps.Conversations.AppendMessage(ctx, convID, "assistant", fullResponse); err != nil {
			log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to persist assistant message")
		}
		if newConversation || len(req.Messages) <= 2 {
			if err := h.deps.Conversations.SetTitle(ctx, convID, conversation.TitleFrom(req.Messages[0].Content)); err != nil {
				log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to set conversation title")
			}
		} else {
			if err := h.deps.Conversations.Touch(ctx, convID); err != nil {
				log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to touch conversation")
			}
		}
	}

	var tokensIn int64
	for _, m := range req.Messages {
		tokensIn += int64(h.deps.Estimator.Count(m.Content))
	}
	tokensOut := int64(h.deps.Estimator.Count(fullResponse))
	cost := pricing.EstimateCost(tokensIn, tokensOut, h.deps.Policy.Rates)

	if _, err := h.deps.Ledger.Accumulate(ctx, entry.ID, tokensIn, tokensOut, cost); err != nil {
		// Logged inside the service as a data-integrity incident; the
		// in-flight response is not failed over it.
		metrics.AccumulateFailures.Inc()
	} else {
		metrics.TokensAccumulated.WithLabelValues("input").Add(float64(tokensIn))
		metrics.TokensAccumulated.WithLabelValues("output").Add(float64(tokensOut))
		metrics.CostAccumulated.Add(cost)
	}

	if err := h.deps.Sessions.AddUsage(ctx, sess.ID, tokensIn, tokensOut, cost); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to update session usage")
	}
}

type reportRequest struct {
	SessionID string `json:"session_id"`
}

// HandleReportUsage finalizes a session's billable minutes and reports them
// to the billing provider. Repeat calls are idempotent.
func (h *Handler) HandleReportUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profile := auth.GetProfile(ctx)
	if profile == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id required"})
		return
	}

	sess, alreadyEnded, err := h.deps.Sessions.End(ctx, req.SessionID, profile.UserID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("failed to end session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to report usage"})
		return
	}

	if !alreadyEnded {
		metrics.SessionsEnded.Inc()
		h.afterSessionEnd(context.WithoutCancel(ctx), sess, profile)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       sess.ID,
		"billable_minutes": *sess.BillableMinutes,
		"status":           string(session.StatusEnded),
	})
}

// afterSessionEnd runs the once-per-session side effects of the ENDED
// transition: the metered-usage event and included-minutes consumption.
func (h *Handler) afterSessionEnd(ctx context.Context, sess *session.Session, profile *auth.Profile) {
	minutes := *sess.BillableMinutes

	if profile.StripeCustomerID != "" && profile.Plan != budget.PlanFree {
		h.deps.Reconciler.ReportSession(ctx, &reconcile.MeterEvent{
			SessionID:  sess.ID,
			CustomerID: profile.StripeCustomerID,
			Minutes:    minutes,
			Timestamp:  *sess.EndedAt,
		})
	}

	if profile.Plan == budget.PlanStarter {
		if err := h.deps.Profiles.DecrementIncludedMinutes(ctx, profile.UserID, minutes); err != nil {
			log.Warn().Err(err).Str("user_id", profile.UserID).Msg("failed to consume included minutes")
		}
	}
}

// HandleBudget returns the caller's current budget snapshot.
func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profile := auth.GetProfile(ctx)
	if profile == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	snap, err := h.deps.Ledger.Snapshot(ctx, profile.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", profile.UserID).Msg("budget snapshot failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
