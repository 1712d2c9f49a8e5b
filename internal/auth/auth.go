// Package auth resolves bearer access tokens into user profiles carrying the
// subscription data the budget layer needs: plan and current billing period.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrTokenNotFound = errors.New("access token not found")

// Profile is the authenticated user's subscription view.
type Profile struct {
	UserID                   string    `json:"user_id"`
	Plan                     string    `json:"plan"` // "free", "payg", "starter"
	CurrentPeriodStart       time.Time `json:"current_period_start"`
	CurrentPeriodEnd         time.Time `json:"current_period_end"`
	StripeCustomerID         string    `json:"stripe_customer_id"`
	IncludedMinutesRemaining int       `json:"included_minutes_remaining"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (p *Profile) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (p *Profile) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

type Store interface {
	GetByToken(ctx context.Context, token string) (*Profile, error)
	GetByUserID(ctx context.Context, userID string) (*Profile, error)
	CreateToken(ctx context.Context, userID, token string) error
	// DecrementIncludedMinutes consumes included plan minutes, floored at zero.
	DecrementIncludedMinutes(ctx context.Context, userID string, minutes int) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	profileKey   contextKey = "profile"
	requestIDKey contextKey = "request_id"
)

const cacheTTL = 5 * time.Minute

func cacheKey(token string) string {
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("auth:%s", hex.EncodeToString(h[:]))
}

func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := cacheKey(token)

			var cached Profile
			err := cache.Get(ctx, redisKey).Scan(&cached)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, profileKey, &cached)))
				return
			} else if err != redis.Nil {
				log.Warn().Err(err).Msg("auth: profile cache unavailable")
			}

			profile, err := store.GetByToken(ctx, token)
			if err != nil {
				if errors.Is(err, ErrTokenNotFound) {
					http.Error(w, "Unauthorized: invalid access token", http.StatusUnauthorized)
					return
				}
				log.Error().Err(err).Msg("auth: profile lookup failed")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			_ = cache.Set(ctx, redisKey, profile, cacheTTL).Err()

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, profileKey, profile)))
		})
	}
}

// Helpers to extract from context
func GetProfile(ctx context.Context) *Profile {
	if p, ok := ctx.Value(profileKey).(*Profile); ok {
		return p
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileKey, p)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
