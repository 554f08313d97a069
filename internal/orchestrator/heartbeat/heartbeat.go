// Package heartbeat drives the scheduler on a fixed cadence. The loop
// is the system's only periodic actor and is built to never die: every
// phase is wrapped with panic recovery and failures surface as events.
package heartbeat

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/common/logger"
	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/task/models"
)

// Phases is the scheduler surface the heartbeat drives.
type Phases interface {
	DedupeTasks(ctx context.Context) (int, error)
	AssessBatch(ctx context.Context, batchSize int) (int, error)
	ExecuteNext(ctx context.Context, maxConcurrent int) (int, error)
	CleanupStaleWorktrees(ctx context.Context) (int, error)
}

// LimitChecker reports the agent CLI's rate-limit standing.
type LimitChecker interface {
	Check(ctx context.Context) *models.RateLimitStatus
}

// Config holds the cadence and per-phase sizing.
type Config struct {
	Interval           time.Duration
	AssessBatchSize    int
	MaxConcurrentTasks int
}

// Heartbeat runs one beat at a time; beats never overlap even when a
// manual trigger races the ticker.
type Heartbeat struct {
	phases  Phases
	limiter LimitChecker
	emitter *events.Emitter
	cfg     Config
	logger  *logger.Logger

	beatMu sync.Mutex
	beat   int64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a heartbeat. Start must be called to begin ticking.
func New(phases Phases, limiter LimitChecker, emitter *events.Emitter, cfg Config, log *logger.Logger) *Heartbeat {
	return &Heartbeat{
		phases:  phases,
		limiter: limiter,
		emitter: emitter,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "heartbeat")),
	}
}

// Start launches the ticker loop.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.running {
		return fmt.Errorf("heartbeat already running")
	}
	h.running = true
	h.stopCh = make(chan struct{})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()

		h.logger.Info("Heartbeat started",
			zap.Duration("interval", h.cfg.Interval))
		for {
			select {
			case <-ticker.C:
				h.runBeat(ctx)
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the ticker and waits for an in-flight beat to finish.
func (h *Heartbeat) Stop() {
	h.runMu.Lock()
	if !h.running {
		h.runMu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.runMu.Unlock()

	h.wg.Wait()
	h.logger.Info("Heartbeat stopped")
}

// TriggerNow runs one beat synchronously and returns its diagnostics.
func (h *Heartbeat) TriggerNow(ctx context.Context) map[string]interface{} {
	return h.runBeat(ctx)
}

// Beat returns the current beat counter.
func (h *Heartbeat) Beat() int64 {
	h.beatMu.Lock()
	defer h.beatMu.Unlock()
	return h.beat
}

// runBeat executes one beat. Odd beats dedupe and assess; even beats
// fill execution slots; every tenth beat additionally collects stale
// worktrees. A rate-limited probe skips the work phases.
func (h *Heartbeat) runBeat(ctx context.Context) map[string]interface{} {
	h.beatMu.Lock()
	defer h.beatMu.Unlock()

	h.beat++
	beat := h.beat
	phase := "execute"
	if beat%2 == 1 {
		phase = "assess"
	}

	diag := map[string]interface{}{
		"beat":  beat,
		"phase": phase,
	}
	var errs []string

	var status *models.RateLimitStatus
	h.safePhase(ctx, beat, "rate_limit", &errs, func() error {
		status = h.limiter.Check(ctx)
		return nil
	})
	if status == nil {
		status = &models.RateLimitStatus{Tier: "unknown"}
	}
	diag["rate_limit"] = status

	h.emitter.Emit(ctx, events.HeartbeatTick, "heartbeat", fmt.Sprintf("%d", beat),
		map[string]interface{}{
			"beat":       beat,
			"phase":      phase,
			"is_limited": status.IsLimited,
			"rate_limit": status,
		})

	if status.IsLimited {
		h.logger.Warn("Rate limited, skipping beat work",
			zap.Int64("beat", beat),
			zap.Float64("percent_used", status.PercentUsed))
		h.emitter.Emit(ctx, events.HeartbeatRateLimited, "heartbeat", fmt.Sprintf("%d", beat),
			map[string]interface{}{
				"beat":     beat,
				"reset_at": status.ResetAt,
			})
		diag["skipped"] = "rate_limited"
	} else if phase == "assess" {
		h.safePhase(ctx, beat, "dedupe", &errs, func() error {
			n, err := h.phases.DedupeTasks(ctx)
			diag["deduped"] = n
			return err
		})
		h.safePhase(ctx, beat, "assess", &errs, func() error {
			n, err := h.phases.AssessBatch(ctx, h.cfg.AssessBatchSize)
			diag["assessed"] = n
			return err
		})
	} else {
		h.safePhase(ctx, beat, "execute", &errs, func() error {
			n, err := h.phases.ExecuteNext(ctx, h.cfg.MaxConcurrentTasks)
			diag["started"] = n
			return err
		})
	}

	if beat%10 == 0 {
		h.safePhase(ctx, beat, "gc", &errs, func() error {
			n, err := h.phases.CleanupStaleWorktrees(ctx)
			diag["cleaned"] = n
			return err
		})
	}

	diag["errors"] = errs
	h.logger.Debug("Beat complete",
		zap.Int64("beat", beat),
		zap.String("phase", phase),
		zap.Int("errors", len(errs)))
	return diag
}

// safePhase runs one phase step, catching both errors and panics so the
// beat always completes. Failures are appended to errs and emitted as
// heartbeat.error.
func (h *Heartbeat) safePhase(ctx context.Context, beat int64, name string, errs *[]string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%s panicked: %v", name, r)
			*errs = append(*errs, msg)
			h.logger.Error("Beat phase panicked",
				zap.Int64("beat", beat),
				zap.String("phase", name),
				zap.Any("panic", r))
			h.emitter.Emit(ctx, events.HeartbeatError, "heartbeat", fmt.Sprintf("%d", beat),
				map[string]interface{}{
					"beat":  beat,
					"phase": name,
					"error": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				})
		}
	}()

	if err := fn(); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
		h.logger.Error("Beat phase failed",
			zap.Int64("beat", beat),
			zap.String("phase", name),
			zap.Error(err))
		h.emitter.Emit(ctx, events.HeartbeatError, "heartbeat", fmt.Sprintf("%d", beat),
			map[string]interface{}{
				"beat":  beat,
				"phase": name,
				"error": err.Error(),
			})
	}
}
