package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

// GetRateLimit returns the cached rate-limit snapshot, or nil if no
// probe has run yet.
func (s *Store) GetRateLimit(ctx context.Context) (*models.RateLimitStatus, error) {
	var status models.RateLimitStatus
	err := s.ro.GetContext(ctx, &status, `
		SELECT tier, messages_used, messages_limit, percent_used, is_limited,
			reset_at, raw, updated_at
		FROM rate_limits WHERE id = 1`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// PutRateLimit upserts the singleton rate-limit snapshot.
func (s *Store) PutRateLimit(ctx context.Context, status *models.RateLimitStatus) error {
	status.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (id, tier, messages_used, messages_limit,
			percent_used, is_limited, reset_at, raw, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			messages_used = excluded.messages_used,
			messages_limit = excluded.messages_limit,
			percent_used = excluded.percent_used,
			is_limited = excluded.is_limited,
			reset_at = excluded.reset_at,
			raw = excluded.raw,
			updated_at = excluded.updated_at
	`, status.Tier, status.MessagesUsed, status.MessagesLimit, status.PercentUsed,
		status.IsLimited, status.ResetAt, status.Raw, status.UpdatedAt)
	return err
}
