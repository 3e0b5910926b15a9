package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ciaaguard/ciaaguard/internal/audit"
	"github.com/ciaaguard/ciaaguard/internal/cache"
	"github.com/ciaaguard/ciaaguard/internal/ciaa"
	"github.com/ciaaguard/ciaaguard/internal/config"
	"github.com/ciaaguard/ciaaguard/internal/learner"
	"github.com/ciaaguard/ciaaguard/internal/metrics"
	"github.com/ciaaguard/ciaaguard/internal/policy"
	"github.com/ciaaguard/ciaaguard/internal/ratelimit"
)

// FromConfig builds a fully-wired Runtime from a config.Config: loads the
// policy file (starting its hot-reload watcher if configured), sizes the
// decision cache and rate limiter per config, and starts the learner's
// background mining goroutine. The caller owns the returned Runtime's
// lifecycle and must call Shutdown when done.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := policy.NewStore(logger)
	if cfg.Policy.FilePath != "" {
		if err := store.Load(cfg.Policy.FilePath); err != nil {
			logger.Warn("failed to load policy file, starting with an empty rule set", "path", cfg.Policy.FilePath, "error", err)
		}
		if cfg.Policy.Watch {
			if err := store.Watch(); err != nil {
				logger.Warn("failed to start policy file watcher", "error", err)
			}
		}
	}

	tracker := ratelimit.NewTracker()

	limiter := ratelimit.NewLimiterWithOverrides(
		ratelimit.DimensionConfig{RequestsPerSecond: cfg.RateLimit.GlobalRPS, BurstSize: int(cfg.RateLimit.GlobalBurst)},
		ratelimit.DimensionConfig{RequestsPerSecond: cfg.RateLimit.PerAgentRPS, BurstSize: int(cfg.RateLimit.PerAgentBurst)},
		logger,
	)

	ciaaEval := ciaa.NewEvaluator()

	decisions := decisionCache(cfg)

	auditLog, err := audit.Open(cfg.Audit.LogDir, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: open audit log: %w", err)
	}

	learn := learner.New(cfg.Learner.WindowSize, logger)
	if cfg.Learner.SQLitePath != "" {
		suggestionStore, err := learner.OpenSQLiteSuggestionStore(cfg.Learner.SQLitePath)
		if err != nil {
			logger.Warn("failed to open learner suggestion store, continuing with in-memory only", "path", cfg.Learner.SQLitePath, "error", err)
		} else if err := learn.AttachStore(suggestionStore); err != nil {
			logger.Warn("failed to load persisted suggestions", "error", err)
		}
	}

	rt := New(store, tracker, limiter, ciaaEval, decisions, auditLog, learn, logger)

	if cfg.Server.MetricsAddr != "" {
		rt.WithMetrics(metrics.NewWithDefaultRegisterer())
	}

	return rt, nil
}

// decisionCache honors config-supplied size/TTL overrides, falling back to
// the named constructor's spec.md §4.5 defaults (10000 entries, 300s) when
// both are left at zero.
func decisionCache(cfg *config.Config) *cache.LRUCache {
	size := cfg.Cache.ActionDecisionSize
	if size <= 0 {
		size = 10000
	}
	ttl := cfg.Cache.ActionDecisionTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return cache.New(size, ttl)
}
