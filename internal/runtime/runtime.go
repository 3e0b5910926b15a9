// Package runtime is the interception pipeline facade: the single entry
// point an integration calls per proposed agent action. It orchestrates
// the decision cache, rate limiter, policy evaluator, CIAA evaluator,
// audit log, and policy learner — grounded on the teacher's
// policy.Engine (atomic policy snapshot under an RWMutex, ordered
// evaluation pipeline) generalized to the full nine-step sequence this
// domain requires.
package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ciaaguard/ciaaguard/internal/action"
	"github.com/ciaaguard/ciaaguard/internal/audit"
	"github.com/ciaaguard/ciaaguard/internal/cache"
	"github.com/ciaaguard/ciaaguard/internal/ciaa"
	"github.com/ciaaguard/ciaaguard/internal/learner"
	"github.com/ciaaguard/ciaaguard/internal/metrics"
	"github.com/ciaaguard/ciaaguard/internal/policy"
	"github.com/ciaaguard/ciaaguard/internal/ratelimit"
)

// Runtime wires every subsystem into the nine-step Intercept pipeline. It
// is safe for concurrent use: each subsystem guards its own state, and
// Runtime itself holds no mutable state beyond the subsystem references.
type Runtime struct {
	policyStore *policy.Store
	evaluator   *policy.Evaluator
	ciaaEval    *ciaa.Evaluator
	limiter     *ratelimit.Limiter
	tracker     *ratelimit.Tracker
	decisions   *cache.LRUCache
	auditLog    *audit.Log
	learn       *learner.Learner
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// WithMetrics attaches a metrics.Metrics instance that Intercept reports
// to. Safe to call with nil, which simply disables reporting (every
// metrics.Metrics method tolerates a nil receiver).
func (rt *Runtime) WithMetrics(m *metrics.Metrics) *Runtime {
	rt.metrics = m
	return rt
}

// Metrics returns the attached metrics.Metrics instance, or nil if none was
// attached. A caller passes this straight to metrics.Serve.
func (rt *Runtime) Metrics() *metrics.Metrics {
	return rt.metrics
}

// New builds a Runtime from already-constructed subsystems. Use FromConfig
// (in default.go) for the common case of wiring everything from a
// config.Config.
func New(
	policyStore *policy.Store,
	tracker *ratelimit.Tracker,
	limiter *ratelimit.Limiter,
	ciaaEval *ciaa.Evaluator,
	decisions *cache.LRUCache,
	auditLog *audit.Log,
	learn *learner.Learner,
	logger *slog.Logger,
) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		policyStore: policyStore,
		evaluator:   policy.NewEvaluator(policyStore, tracker, logger),
		ciaaEval:    ciaaEval,
		limiter:     limiter,
		tracker:     tracker,
		decisions:   decisions,
		auditLog:    auditLog,
		learn:       learn,
		logger:      logger.With("component", "runtime.Runtime"),
	}
}

// Intercept runs the full pipeline for one proposed action and returns the
// verdict. It never returns a Go error for a deny outcome — a deny is a
// normal Decision, not a failure. Intercept returns a non-nil error only
// when req itself fails action.NewRequest's invariants (missing agent_id,
// invalid action_type, missing target): a caller bug, not something to
// audit.
func (rt *Runtime) Intercept(raw action.Request) (action.Decision, error) {
	// 1. Fill in action_id and timestamp if absent.
	req, err := action.NewRequest(raw)
	if err != nil {
		return action.Decision{}, fmt.Errorf("runtime: invalid request: %w", err)
	}

	// 2. Compute the decision fingerprint.
	fp := action.Fingerprint(req)

	// 3. Decision cache lookup. A hit still gets audited (spec.md §4.1
	// step 3: "If hit and not expired, return cached decision; still
	// append to audit log").
	if cached, ok := rt.decisions.Get(fp); ok {
		rt.metrics.RecordCacheResult(true)
		decision := cached.(action.Decision)
		decision.ActionID = req.ActionID
		decision.DecidedAt = time.Now().UTC()
		rt.metrics.RecordDecision(decision.Allow, "cache")
		decision = rt.audit(req, decision)
		if !decision.Allow && rt.learn != nil {
			rt.learn.Observe(req, decision)
		}
		return decision, nil
	}
	rt.metrics.RecordCacheResult(false)

	var decision action.Decision
	stage := "allow"

	// 4. Rate limiter check.
	if allowed, _, dimResults := rt.limiter.Check(req); !allowed {
		stage = "rate_limit"
		decision = action.Decision{
			Allow:       false,
			Explanation: "rate limit exceeded",
			ActionID:    req.ActionID,
		}
		for _, r := range dimResults {
			if !r.Allowed {
				rt.metrics.RecordRateLimitDenial(r.Dimension.String())
			}
		}
	} else if result := rt.evaluator.Evaluate(req); result.Effect == policy.EffectDeny {
		// 5. Policy evaluation: a DENY match short-circuits.
		stage = "policy"
		decision = action.Decision{
			Allow:       false,
			PolicyID:    result.PolicyID,
			Explanation: result.Description,
			ActionID:    req.ActionID,
		}
	} else if violations := rt.ciaaEval.Evaluate(req); len(violations) > 0 {
		// 6. CIAA evaluation: any violation forces a deny.
		stage = "ciaa"
		for axis := range violations {
			rt.metrics.RecordCIAAViolation(axis)
		}
		decision = action.Decision{
			Allow:          false,
			Explanation:    explainViolations(violations),
			CIAAViolations: violations,
			ActionID:       req.ActionID,
		}
	} else {
		// 7. Otherwise allow. A REVIEW match is reported but does not
		// block (see DESIGN.md's "REVIEW decision handling").
		explanation := "allowed"
		if result.Effect == policy.EffectReview {
			explanation = fmt.Sprintf("allowed; policy %s flagged for review: %s", result.PolicyID, result.Description)
		}
		decision = action.Decision{
			Allow:       true,
			Explanation: explanation,
			ActionID:    req.ActionID,
		}
	}
	decision.DecidedAt = time.Now().UTC()
	rt.metrics.RecordDecision(decision.Allow, stage)

	// 8. Cache the decision, then append to the audit log.
	rt.decisions.Set(fp, decision)
	decision = rt.audit(req, decision)

	// 9. Notify the learner, fire-and-forget, for blocked actions only —
	// it only mines denials, matching the original learner's
	// add_blocked_action contract.
	if !decision.Allow && rt.learn != nil {
		rt.learn.Observe(req, decision)
	}

	return decision, nil
}

// audit appends the (request, decision) pair to the hash-chained log and
// returns the decision to report to the caller. A failure here does not
// change the verdict already computed — it returns decision with its
// Explanation annotated instead, per DESIGN.md's "Audit-failure
// signalling" resolution, so a storage outage degrades observability
// without silently overturning an enforcement decision already made.
func (rt *Runtime) audit(req *action.Request, decision action.Decision) action.Decision {
	start := time.Now()
	violations := decision.CIAAViolations
	_, err := rt.auditLog.Append(req, decision, violations)
	rt.metrics.ObserveAuditLatency(time.Since(start))
	if err != nil {
		rt.logger.Error("audit append failed", "action_id", req.ActionID, "error", err)
		decision.Explanation += " (audit-failure)"
	}
	return decision
}

func explainViolations(v action.CIAAViolations) string {
	explanation := "CIAA violation:"
	for _, axis := range []string{"C", "I", "A", "Acc"} {
		if reason, ok := v[axis]; ok {
			explanation += fmt.Sprintf(" %s=%s;", axis, reason)
		}
	}
	return explanation
}

// InvalidateAgentCache drops every cached decision for agentID, so a
// freshly-changed policy or an operator's agent-pause takes effect
// immediately rather than waiting out the cache TTL.
func (rt *Runtime) InvalidateAgentCache(agentID string) int {
	return rt.decisions.InvalidateAgent(agentID)
}

// VerifyAuditChain checks the on-disk hash chain's integrity.
func (rt *Runtime) VerifyAuditChain() (bool, string, error) {
	return rt.auditLog.VerifyChain()
}

// LearnerStats reports the policy learner's current counters.
func (rt *Runtime) LearnerStats() learner.Stats {
	if rt.learn == nil {
		return learner.Stats{}
	}
	return rt.learn.Stats()
}

// ExportLearnedPolicies writes the learner's current suggestions with
// confidence 0.5 or higher (a fixed threshold, see
// learner.ExportSuggestions) to path as a loadable policy YAML document.
func (rt *Runtime) ExportLearnedPolicies(path string) error {
	if rt.learn == nil {
		return fmt.Errorf("runtime: learner not configured")
	}
	return rt.learn.ExportSuggestions(path)
}

// ReloadPolicies re-reads the policy file from disk, atomically replacing
// the active rule set.
func (rt *Runtime) ReloadPolicies(path string) error {
	return rt.policyStore.Load(path)
}

// Shutdown stops background goroutines (the policy file watcher and the
// learner's mining loop) and closes the audit log.
func (rt *Runtime) Shutdown() error {
	rt.policyStore.StopWatch()
	if rt.learn != nil {
		rt.learn.Shutdown()
	}
	return rt.auditLog.Close()
}
