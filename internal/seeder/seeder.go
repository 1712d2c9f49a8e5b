package seeder

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solvia/usage-gateway/internal/auth"
)

const (
	TestAccessToken = "test-access-token-12345"
	TestUserID      = "00000000-0000-0000-0000-000000000001"
)

// SeedTestProfile creates a starter-plan user with an access token, for local
// development against a fresh database.
func SeedTestProfile(ctx context.Context, db auth.DB, store auth.Store) {
	now := time.Now()
	_, err := db.Exec(ctx, `
		INSERT INTO profiles (id, plan, current_period_start, current_period_end, stripe_customer_id, included_minutes_remaining)
		VALUES ($1, 'starter', $2, $3, 'cus_test_local', 900)
		ON CONFLICT (id) DO NOTHING
	`, TestUserID, now, now.AddDate(0, 1, 0))
	if err != nil {
		log.Warn().Err(err).Msg("[Seeder] failed to create test profile")
		return
	}

	if err := store.CreateToken(ctx, TestUserID, TestAccessToken); err != nil {
		log.Info().Err(err).Msg("[Seeder] access token may already exist, skipping")
		return
	}
	log.Info().Str("token", TestAccessToken).Str("user_id", TestUserID).Msg("[Seeder] test profile created")
}
