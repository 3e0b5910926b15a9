package ratelimit

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

// Dimension identifies one of the four rate-limit axes from spec.md §4.3.
// Modeled as an array of instances rather than a string-keyed registry of
// mixed types, per the §9 design note on avoiding "registries with mixed
// values" — each dimension's key function and limits are fixed at
// construction, not looked up dynamically by name.
type Dimension int

const (
	DimGlobal Dimension = iota
	DimPerAgent
	DimPerAction
	DimSensitive
	numDimensions
)

func (d Dimension) String() string {
	switch d {
	case DimGlobal:
		return "global"
	case DimPerAgent:
		return "per_agent"
	case DimPerAction:
		return "per_action"
	case DimSensitive:
		return "sensitive"
	default:
		return "unknown"
	}
}

// DimensionConfig configures one dimension's token-bucket limits.
type DimensionConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultConfigs mirrors the original limiter's per-dimension defaults.
func DefaultConfigs() [numDimensions]DimensionConfig {
	return [numDimensions]DimensionConfig{
		DimGlobal:    {RequestsPerSecond: 100, BurstSize: 200},
		DimPerAgent:  {RequestsPerSecond: 20, BurstSize: 50},
		DimPerAction: {RequestsPerSecond: 5, BurstSize: 10},
		DimSensitive: {RequestsPerSecond: 1, BurstSize: 3},
	}
}

// sensitiveMarkers flags a target as needing the stricter "sensitive"
// dimension, matching the original limiter's substring heuristic.
var sensitiveMarkers = []string{
	"password", "secret", "token", "key",
	"delete", "drop", "truncate", "format",
	"execute", "sudo", "admin",
}

// IsSensitive reports whether target should be checked against the
// sensitive dimension.
func IsSensitive(target string) bool {
	lower := strings.ToLower(target)
	for _, m := range sensitiveMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// DimensionResult is one dimension's outcome within a Check call.
type DimensionResult struct {
	Dimension Dimension
	Allowed   bool
	Wait      time.Duration
}

// historyEntry is one recorded check, trimmed per-agent to the most
// recent maxHistory entries.
type historyEntry struct {
	at      time.Time
	allowed bool
}

const maxHistory = 1000

// Limiter checks an action.Request against all four dimensions. Each
// (dimension, identifier) pair gets its own TokenBucket guarded by its own
// mutex (via sync.Map), so a hot agent never blocks checks for another.
type Limiter struct {
	configs [numDimensions]DimensionConfig
	buckets [numDimensions]sync.Map // identifier -> *TokenBucket

	historyMu sync.Mutex
	history   map[string][]historyEntry

	logger *slog.Logger
}

// NewLimiter creates a Limiter using DefaultConfigs.
func NewLimiter(logger *slog.Logger) *Limiter {
	return newLimiterWithConfigs(DefaultConfigs(), logger)
}

// NewLimiterWithOverrides creates a Limiter using DefaultConfigs, except
// for the global and per_agent dimensions, which take the given limits
// when non-zero (so an operator can tune the coarse, always-on dimensions
// from config without having to specify all four). A zero RequestsPerSecond
// leaves that dimension's corresponding default untouched.
func NewLimiterWithOverrides(global, perAgent DimensionConfig, logger *slog.Logger) *Limiter {
	configs := DefaultConfigs()
	if global.RequestsPerSecond > 0 {
		configs[DimGlobal] = global
	}
	if perAgent.RequestsPerSecond > 0 {
		configs[DimPerAgent] = perAgent
	}
	return newLimiterWithConfigs(configs, logger)
}

func newLimiterWithConfigs(configs [numDimensions]DimensionConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		configs: configs,
		history: make(map[string][]historyEntry),
		logger:  logger.With("component", "ratelimit.Limiter"),
	}
}

func (l *Limiter) bucketFor(dim Dimension, identifier string) *TokenBucket {
	if b, ok := l.buckets[dim].Load(identifier); ok {
		return b.(*TokenBucket)
	}
	cfg := l.configs[dim]
	nb := NewTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)
	actual, _ := l.buckets[dim].LoadOrStore(identifier, nb)
	return actual.(*TokenBucket)
}

// Check evaluates req against every applicable dimension: global always,
// per_agent keyed by AgentID, per_action keyed by ActionType, and
// sensitive only when the target matches a sensitive marker. It returns
// overall allow/deny (deny if any applicable dimension denies) plus the
// per-dimension detail, and records the outcome in the agent's history.
func (l *Limiter) Check(req *action.Request) (allowed bool, maxWait time.Duration, results []DimensionResult) {
	type check struct {
		dim        Dimension
		identifier string
	}
	checks := []check{
		{DimGlobal, "all"},
		{DimPerAgent, req.AgentID},
		{DimPerAction, string(req.ActionType)},
	}
	if IsSensitive(req.Target) {
		checks = append(checks, check{DimSensitive, req.Target})
	}

	allowed = true
	for _, c := range checks {
		bucket := l.bucketFor(c.dim, c.identifier)
		ok, wait := bucket.ConsumeOne()
		results = append(results, DimensionResult{Dimension: c.dim, Allowed: ok, Wait: wait})
		if !ok {
			allowed = false
			if wait > maxWait {
				maxWait = wait
			}
		}
	}

	l.recordHistory(req.AgentID, allowed)
	if !allowed {
		l.logger.Debug("rate limit denied", "agent_id", req.AgentID, "action_type", req.ActionType, "target", req.Target)
	}
	return allowed, maxWait, results
}

func (l *Limiter) recordHistory(agentID string, allowed bool) {
	l.historyMu.Lock()
	defer l.historyMu.Unlock()

	h := append(l.history[agentID], historyEntry{at: time.Now(), allowed: allowed})
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	l.history[agentID] = h
}

// AgentRateStats summarizes an agent's recent rate-limit outcomes, per
// spec.md's supplemented per-agent statistics (ported from the original
// implementation's get_agent_rate_stats).
type AgentRateStats struct {
	AgentID           string  `json:"agent_id"`
	TotalRequests     int     `json:"total_requests"`
	AllowedRequests   int     `json:"allowed_requests"`
	BlockedRequests   int     `json:"blocked_requests"`
	BlockRate         float64 `json:"block_rate"`
	RequestsPerMinute float64 `json:"requests_per_minute"`
}

// GetAgentRateStats computes AgentRateStats over the agent's most recent
// history (capped at the same 100-entry window the original implementation
// uses for its statistics, distinct from the 1000-entry retention cap).
func (l *Limiter) GetAgentRateStats(agentID string) (AgentRateStats, error) {
	l.historyMu.Lock()
	defer l.historyMu.Unlock()

	h, ok := l.history[agentID]
	if !ok || len(h) == 0 {
		return AgentRateStats{}, fmt.Errorf("ratelimit: no history for agent %q", agentID)
	}

	recent := h
	if len(recent) > 100 {
		recent = recent[len(recent)-100:]
	}

	total := len(recent)
	blocked := 0
	for _, e := range recent {
		if !e.allowed {
			blocked++
		}
	}
	allowed := total - blocked

	var rpm float64
	if len(recent) >= 2 {
		span := recent[len(recent)-1].at.Sub(recent[0].at).Minutes()
		if span > 0 {
			rpm = float64(len(recent)) / span
		} else {
			rpm = float64(len(recent))
		}
	}

	return AgentRateStats{
		AgentID:           agentID,
		TotalRequests:     total,
		AllowedRequests:   allowed,
		BlockedRequests:   blocked,
		BlockRate:         float64(blocked) / float64(total),
		RequestsPerMinute: rpm,
	}, nil
}

// Reset clears the limiter state for one dimension/identifier pair. An
// empty identifier resets every identifier within the dimension.
func (l *Limiter) Reset(dim Dimension, identifier string) {
	if identifier == "" {
		l.buckets[dim].Range(func(k, _ interface{}) bool {
			l.buckets[dim].Delete(k)
			return true
		})
		l.logger.Info("reset rate limit dimension", "dimension", dim)
		return
	}
	l.buckets[dim].Delete(identifier)
	l.logger.Info("reset rate limit bucket", "dimension", dim, "identifier", identifier)
}

// ResetAgentHistory clears one agent's recorded history, e.g. on agent
// deregistration.
func (l *Limiter) ResetAgentHistory(agentID string) {
	l.historyMu.Lock()
	delete(l.history, agentID)
	l.historyMu.Unlock()
}
