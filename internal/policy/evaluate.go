package policy

import (
	"log/slog"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

// Result is the outcome of evaluating a Request against the store's rule
// set: at most one DENY or REVIEW rule id, plus whichever matched first.
type Result struct {
	Effect      Effect // "" if nothing matched
	PolicyID    string
	Description string
}

// Matched reports whether any rule matched at all.
func (r Result) Matched() bool { return r.Effect != "" }

// Evaluator walks a Store's rule set against a Request.
type Evaluator struct {
	store   *Store
	tracker Tracker
	logger  *slog.Logger
}

// NewEvaluator creates an Evaluator backed by store. tracker supplies
// rate_limit condition observations and may be nil if no rule in the
// store uses rate_limit conditions.
func NewEvaluator(store *Store, tracker Tracker, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: store, tracker: tracker, logger: logger.With("component", "policy.Evaluator")}
}

// Evaluate walks the priority-sorted rule set. It continues past ALLOW and
// REVIEW matches, and returns immediately on the first DENY match — the
// "DENY-continues-past-ALLOW" semantics spec.md §4.2/§9 call out. If no
// DENY is found, the first REVIEW match (if any) is returned so the caller
// can annotate the decision without blocking it; otherwise the first ALLOW
// match is returned for the audit trail's policy_id, and if nothing
// matched at all Result.Matched() is false.
func (e *Evaluator) Evaluate(req *action.Request) Result {
	rules := e.store.Rules()

	var firstAllow, firstReview *Result

	for _, rule := range rules {
		if !rule.Applies(string(req.ActionType)) {
			continue
		}
		if !rule.Condition.Match(req, e.tracker) {
			continue
		}

		switch rule.Decision {
		case EffectDeny:
			e.logger.Debug("policy matched: deny", "policy_id", rule.ID, "action_id", req.ActionID)
			return Result{Effect: EffectDeny, PolicyID: rule.ID, Description: rule.Reason}
		case EffectReview:
			if firstReview == nil {
				firstReview = &Result{Effect: EffectReview, PolicyID: rule.ID, Description: rule.Reason}
			}
		case EffectAllow:
			if firstAllow == nil {
				firstAllow = &Result{Effect: EffectAllow, PolicyID: rule.ID, Description: rule.Reason}
			}
		}
	}

	if firstReview != nil {
		return *firstReview
	}
	if firstAllow != nil {
		return *firstAllow
	}
	return Result{}
}
