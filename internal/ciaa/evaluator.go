// Package ciaa evaluates an action.Request against the three synchronous
// CIAA axes: confidentiality, integrity, and availability. Accountability
// is intentionally not computed here (spec.md §4.4) — see FlagsEmptyGoal.
package ciaa

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|secret|token|key|credential)`),
	regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),                       // phone numbers
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), // emails
}

var externalTransferTargets = map[string]bool{
	"http_request": true,
	"send_email":   true,
	"upload_file":  true,
}

var localDomains = []string{"localhost", "127.0.0.1", "internal"}

var criticalPaths = []string{"/etc/", "/bin/", "/usr/bin/", "/system/", "config.yaml"}

var dangerousTools = map[string]bool{
	"execute_command": true,
	"install_package": true,
	"modify_system":   true,
}

// availabilityDefaults is the per-action-type per-minute ceiling used by
// the availability check; anything not listed falls back to 100/min.
var availabilityDefaults = map[action.Type]int{
	action.DatabaseQuery:  50,
	action.MemoryRead:     100,
	action.APICall:        30,
	action.NetworkRequest: 10,
}

const defaultAvailabilityLimit = 100

// Evaluator checks actions against CIAA constraints. It is safe for
// concurrent use; the only mutable state is the availability counter set.
type Evaluator struct {
	availability *counterSet
}

// NewEvaluator creates an Evaluator with a fresh availability counter set.
func NewEvaluator() *Evaluator {
	return &Evaluator{availability: newCounterSet()}
}

// Evaluate returns the violations found for req, keyed "C"/"I"/"A". An
// empty map means the action passed every axis checked here.
func (e *Evaluator) Evaluate(req *action.Request) action.CIAAViolations {
	violations := action.CIAAViolations{}

	if reason := e.violatesConfidentiality(req); reason != "" {
		violations["C"] = reason
	}
	if reason := violatesIntegrity(req); reason != "" {
		violations["I"] = reason
	}
	if reason := e.violatesAvailability(req); reason != "" {
		violations["A"] = reason
	}

	return violations
}

// FlagsEmptyGoal reports whether req has no declared_goal. Accountability
// is never resolved synchronously, and Evaluate does not report it; no
// package in this module calls FlagsEmptyGoal outside its tests.
func FlagsEmptyGoal(req *action.Request) bool {
	return strings.TrimSpace(req.DeclaredGoal) == ""
}

func (e *Evaluator) violatesConfidentiality(req *action.Request) string {
	paramsJSON, err := action.CanonicalJSON(req.Parameters)
	if err != nil {
		paramsJSON = fmt.Sprintf("%v", req.Parameters)
	}
	lower := strings.ToLower(paramsJSON)

	for _, pat := range sensitivePatterns {
		if pat.MatchString(lower) {
			return fmt.Sprintf("sensitive data pattern detected in parameters: %s", pat.String())
		}
	}

	if req.ActionType == action.ToolCall && externalTransferTargets[req.Target] {
		url, _ := req.Parameters["url"].(string)
		if strings.Contains(url, "http") && !isLocalURL(url) {
			return "attempting to send data to external destination"
		}
	}

	return ""
}

func isLocalURL(url string) bool {
	lower := strings.ToLower(url)
	for _, d := range localDomains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

func violatesIntegrity(req *action.Request) string {
	if req.ActionType == action.FileWrite || req.ActionType == action.MemoryWrite {
		target := strings.ToLower(req.Target)
		for _, p := range criticalPaths {
			if strings.Contains(target, p) {
				return fmt.Sprintf("attempting to write to critical location: %s", req.Target)
			}
		}
	}

	if req.ActionType == action.ToolCall && dangerousTools[req.Target] {
		return fmt.Sprintf("dangerous system modification attempt: %s", req.Target)
	}

	return ""
}

func (e *Evaluator) violatesAvailability(req *action.Request) string {
	limit := availabilityDefaults[req.ActionType]
	if limit == 0 {
		limit = defaultAvailabilityLimit
	}

	key := fmt.Sprintf("%s:%s:%s", req.AgentID, req.ActionType, req.Target)
	exceeded, count := e.availability.checkAndRecord(key, limit)
	if exceeded {
		return fmt.Sprintf("rate limit exceeded: %d calls in last minute", count)
	}
	return ""
}

// Reset clears availability counters, for use in tests.
func (e *Evaluator) Reset() {
	e.availability.reset()
}
