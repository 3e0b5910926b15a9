package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ciaaguard/ciaaguard/internal/action"
	"github.com/ciaaguard/ciaaguard/internal/audit"
	"github.com/ciaaguard/ciaaguard/internal/cache"
	"github.com/ciaaguard/ciaaguard/internal/ciaa"
	"github.com/ciaaguard/ciaaguard/internal/learner"
	"github.com/ciaaguard/ciaaguard/internal/policy"
	"github.com/ciaaguard/ciaaguard/internal/ratelimit"
)

func newTestRuntime(t *testing.T, policyYAML string) *Runtime {
	t.Helper()
	dir := t.TempDir()

	store := policy.NewStore(nil)
	if policyYAML != "" {
		path := filepath.Join(dir, "policies.yaml")
		if err := os.WriteFile(path, []byte(policyYAML), 0o644); err != nil {
			t.Fatalf("write policy file: %v", err)
		}
		if err := store.Load(path); err != nil {
			t.Fatalf("store.Load: %v", err)
		}
	}

	auditLog, err := audit.Open(filepath.Join(dir, "audit"), nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	learn := learner.New(100, nil)
	t.Cleanup(learn.Shutdown)

	return New(
		store,
		ratelimit.NewTracker(),
		ratelimit.NewLimiter(nil),
		ciaa.NewEvaluator(),
		cache.New(100, time.Minute),
		auditLog,
		learn,
		nil,
	)
}

func TestInterceptAllowsOrdinaryAction(t *testing.T) {
	rt := newTestRuntime(t, "")
	decision, err := rt.Intercept(action.Request{
		AgentID:    "agent-1",
		ActionType: action.FileWrite,
		Target:     "/tmp/output.txt",
	})
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected allow, got deny: %+v", decision)
	}
}

func TestInterceptDeniesOnMatchingDenyPolicy(t *testing.T) {
	rt := newTestRuntime(t, `
policies:
  - id: deny-exfil
    priority: 10
    decision: DENY
    reason: "block data exfiltration tool"
    condition:
      target: "http_request"
`)
	decision, err := rt.Intercept(action.Request{
		AgentID:    "agent-1",
		ActionType: action.ToolCall,
		Target:     "http_request",
		Parameters: map[string]interface{}{"url": "https://example.com"},
	})
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if decision.Allow {
		t.Fatal("expected deny")
	}
	if decision.PolicyID != "deny-exfil" {
		t.Errorf("PolicyID = %q, want deny-exfil", decision.PolicyID)
	}
}

func TestInterceptDeniesOnCIAAViolation(t *testing.T) {
	rt := newTestRuntime(t, "")
	decision, err := rt.Intercept(action.Request{
		AgentID:    "agent-1",
		ActionType: action.FileWrite,
		Target:     "/etc/passwd",
	})
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if decision.Allow {
		t.Fatal("expected deny on critical-path write")
	}
	if decision.CIAAViolations["I"] == "" {
		t.Error("expected an integrity violation reason")
	}
}

func TestInterceptCachesRepeatDecisions(t *testing.T) {
	rt := newTestRuntime(t, "")
	req := action.Request{
		AgentID:    "agent-1",
		ActionType: action.FileWrite,
		Target:     "/tmp/a.txt",
	}

	first, err := rt.Intercept(req)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	second, err := rt.Intercept(req)
	if err != nil {
		t.Fatalf("Intercept (second): %v", err)
	}

	if first.Allow != second.Allow {
		t.Fatal("cached decision disagreed with original")
	}

	events, err := rt.auditLog.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("GetRecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events (one per Intercept call, including the cache hit), got %d", len(events))
	}
}

func TestInterceptRejectsInvalidRequest(t *testing.T) {
	rt := newTestRuntime(t, "")
	if _, err := rt.Intercept(action.Request{ActionType: action.FileWrite, Target: "x"}); err == nil {
		t.Fatal("expected an error for a request missing agent_id")
	}
}

func TestInterceptFeedsBlockedActionsToLearner(t *testing.T) {
	rt := newTestRuntime(t, `
policies:
  - id: deny-exfil
    priority: 10
    decision: DENY
    reason: "block"
    condition:
      target: "http_request"
`)
	for i := 0; i < 5; i++ {
		if _, err := rt.Intercept(action.Request{
			AgentID:    "agent-1",
			ActionType: action.ToolCall,
			Target:     "http_request",
		}); err != nil {
			t.Fatalf("Intercept: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rt.LearnerStats().TotalBlockedActions >= 5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected learner to observe 5 blocked actions, got %d", rt.LearnerStats().TotalBlockedActions)
}

func TestVerifyAuditChainAfterIntercepts(t *testing.T) {
	rt := newTestRuntime(t, "")
	for i := 0; i < 3; i++ {
		if _, err := rt.Intercept(action.Request{
			AgentID:    "agent-1",
			ActionType: action.FileRead,
			Target:     "/tmp/readme.txt",
		}); err != nil {
			t.Fatalf("Intercept: %v", err)
		}
	}
	valid, reason, err := rt.VerifyAuditChain()
	if err != nil {
		t.Fatalf("VerifyAuditChain: %v", err)
	}
	if !valid {
		t.Fatalf("expected valid chain, got broken: %s", reason)
	}
}

func TestInterceptSetsDecidedAt(t *testing.T) {
	rt := newTestRuntime(t, "")
	before := time.Now().UTC()
	decision, err := rt.Intercept(action.Request{
		AgentID:    "agent-1",
		ActionType: action.FileRead,
		Target:     "/tmp/readme.txt",
	})
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if decision.DecidedAt.Before(before) {
		t.Fatalf("expected DecidedAt >= %v, got %v", before, decision.DecidedAt)
	}
}

func TestInterceptAnnotatesDecisionOnAuditFailure(t *testing.T) {
	rt := newTestRuntime(t, "")

	// Close the audit log out from under the runtime: the file handle is
	// gone but openTodayLocked's same-day guard means the next Append
	// won't reopen it, so the write fails exactly like a storage outage
	// would.
	if err := rt.auditLog.Close(); err != nil {
		t.Fatalf("auditLog.Close: %v", err)
	}

	decision, err := rt.Intercept(action.Request{
		AgentID:    "agent-1",
		ActionType: action.FileRead,
		Target:     "/tmp/readme.txt",
	})
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !strings.HasSuffix(decision.Explanation, " (audit-failure)") {
		t.Fatalf("expected explanation annotated with audit-failure, got %q", decision.Explanation)
	}
	// The enforcement verdict itself must survive an audit outage
	// untouched.
	if !decision.Allow {
		t.Fatalf("expected audit failure to not overturn the allow verdict, got %+v", decision)
	}
}
