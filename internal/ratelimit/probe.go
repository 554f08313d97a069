// Package ratelimit reads the agent CLI's usage cache file and keeps a
// snapshot of the current rate-limit standing in the store. The cache
// is maintained by the CLI itself; this probe only observes it.
package ratelimit

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/common/logger"
	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/task/models"
	"github.com/ajfrai/agent-queue/internal/task/repository"
)

// limitedThreshold is the percent of the message budget at which the
// scheduler stops starting new sessions.
const limitedThreshold = 90.0

// usageCache mirrors the JSON document the agent CLI writes.
type usageCache struct {
	Tier          string   `json:"tier"`
	MessagesUsed  int      `json:"messages_used"`
	MessagesLimit int      `json:"messages_limit"`
	PercentUsed   *float64 `json:"percent_used"`
	IsLimited     *bool    `json:"is_limited"`
	ResetAt       *string  `json:"reset_at"`
}

// Probe reads the usage cache and upserts the parsed snapshot.
type Probe struct {
	cachePath string
	store     *repository.Store
	emitter   *events.Emitter
	logger    *logger.Logger
}

// New creates a Probe over the given usage cache path.
func New(cachePath string, store *repository.Store, emitter *events.Emitter, log *logger.Logger) *Probe {
	return &Probe{
		cachePath: cachePath,
		store:     store,
		emitter:   emitter,
		logger:    log.WithFields(zap.String("component", "ratelimit")),
	}
}

// Check reads the cache file and returns the current status. A missing
// or malformed cache yields an "unknown" status, never an error; the
// scheduler treats unknown as not limited. The snapshot is persisted on
// every call so /api/status reflects the latest probe.
func (p *Probe) Check(ctx context.Context) *models.RateLimitStatus {
	status := p.read(ctx)

	if err := p.store.PutRateLimit(ctx, status); err != nil {
		p.logger.Error("Failed to persist rate-limit snapshot", zap.Error(err))
	}
	return status
}

func (p *Probe) read(ctx context.Context) *models.RateLimitStatus {
	raw, err := os.ReadFile(p.cachePath)
	if err != nil {
		p.logger.Warn("Usage cache not readable, rate limit unknown",
			zap.String("path", p.cachePath),
			zap.Error(err))
		p.emitUnknown(ctx, "cache file not readable")
		return unknownStatus()
	}

	var cache usageCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		p.logger.Warn("Usage cache malformed, rate limit unknown",
			zap.String("path", p.cachePath),
			zap.Error(err))
		p.emitUnknown(ctx, "cache file malformed")
		return unknownStatus()
	}

	status := &models.RateLimitStatus{
		Tier:          cache.Tier,
		MessagesUsed:  cache.MessagesUsed,
		MessagesLimit: cache.MessagesLimit,
		Raw:           string(raw),
	}
	if status.Tier == "" {
		status.Tier = "unknown"
	}

	if cache.PercentUsed != nil {
		status.PercentUsed = *cache.PercentUsed
	} else if cache.MessagesLimit > 0 {
		status.PercentUsed = float64(cache.MessagesUsed) / float64(cache.MessagesLimit) * 100
	}

	status.IsLimited = status.PercentUsed >= limitedThreshold
	if cache.IsLimited != nil && *cache.IsLimited {
		status.IsLimited = true
	}

	if cache.ResetAt != nil {
		if t, err := time.Parse(time.RFC3339, *cache.ResetAt); err == nil {
			status.ResetAt = &t
		} else {
			p.logger.Debug("Unparseable reset_at in usage cache",
				zap.String("reset_at", *cache.ResetAt))
		}
	}

	return status
}

func (p *Probe) emitUnknown(ctx context.Context, reason string) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(ctx, events.RateLimitUnknown, "rate_limit", "1", map[string]interface{}{
		"reason": reason,
		"path":   p.cachePath,
	})
}

func unknownStatus() *models.RateLimitStatus {
	return &models.RateLimitStatus{Tier: "unknown", IsLimited: false}
}
