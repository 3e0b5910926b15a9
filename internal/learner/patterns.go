package learner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

// blockedEntry is one recorded blocked action, kept in the bounded FIFO
// window and in its cluster's recent-examples slice.
type blockedEntry struct {
	request  action.Request
	decision action.Decision
	at       time.Time
}

// Suggestion is a learned candidate policy, ported from the original
// learner's PolicySuggestion.
type Suggestion struct {
	ID              string                 `json:"id"`
	Pattern         map[string]interface{} `json:"pattern"`
	Confidence      float64                `json:"confidence"`
	Reason          string                 `json:"reason"`
	ExampleActions  []ExampleAction        `json:"example_actions"`
	BlockedCount    int                    `json:"blocked_count"`
	SuggestedPolicy map[string]interface{} `json:"suggested_policy"`
}

// ExampleAction is a redacted sample of one of the blocked actions behind
// a Suggestion.
type ExampleAction struct {
	AgentID    string                 `json:"agent_id"`
	ActionType string                 `json:"action_type,omitempty"`
	Target     string                 `json:"target"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Goal       string                 `json:"goal"`
}

// clusterKey groups blocked actions that look like repetitions of the
// same denied behavior: (action_type, target, policy_id, sorted ciaa axes).
func clusterKey(req action.Request, dec action.Decision) string {
	axes := make([]string, 0, len(dec.CIAAViolations))
	for axis := range dec.CIAAViolations {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	parts := []string{string(req.ActionType), req.Target}
	if dec.PolicyID != "" {
		parts = append(parts, dec.PolicyID)
	}
	if len(axes) > 0 {
		parts = append(parts, strings.Join(axes, ","))
	}
	return strings.Join(parts, ":")
}

const clusterCap = 50

func (l *Learner) clusterLocked(req action.Request, dec action.Decision) {
	key := clusterKey(req, dec)
	entries := append(l.clusters[key], blockedEntry{request: req, decision: dec, at: time.Now()})
	if len(entries) > clusterCap {
		entries = entries[len(entries)-clusterCap:]
	}
	l.clusters[key] = entries
}

// analyzePatternsLocked runs the three mining passes the original learner
// runs every 100 additions. Caller must hold l.mu.
func (l *Learner) analyzePatternsLocked() {
	if len(l.window) < 10 {
		return
	}

	for key, entries := range l.clusters {
		if len(entries) >= 3 {
			l.analyzeClusterLocked(key, entries)
		}
	}
	l.analyzeAgentPatternsLocked()
	l.analyzeTemporalPatternsLocked()
}

func (l *Learner) analyzeClusterLocked(key string, entries []blockedEntry) {
	samples := entries
	if len(samples) > 5 {
		samples = samples[len(samples)-5:]
	}
	if len(samples) == 0 {
		return
	}

	first := samples[0].request
	if !hasExtractor(first.ActionType) {
		return
	}
	features := Extract(&first)

	patternID := "cluster_" + shortHash(key)
	if _, exists := l.patterns[patternID]; exists {
		return
	}

	examples := make([]ExampleAction, 0, 3)
	for i, s := range samples {
		if i >= 3 {
			break
		}
		examples = append(examples, ExampleAction{
			AgentID:    s.request.AgentID,
			Target:     s.request.Target,
			Parameters: s.request.Parameters,
			Goal:       s.request.DeclaredGoal,
		})
	}

	confidence := minF(1.0, float64(len(entries))/10.0)
	suggestion := Suggestion{
		ID:              patternID,
		Pattern:         map[string]interface{}(features),
		Confidence:      confidence,
		Reason:          fmt.Sprintf("pattern detected in %d blocked actions", len(entries)),
		ExampleActions:  examples,
		BlockedCount:    len(entries),
		SuggestedPolicy: buildSuggestedPolicy(first, entries[0].decision, features, len(l.window)),
	}
	l.patterns[patternID] = suggestion
}

func buildSuggestedPolicy(req action.Request, dec action.Decision, features Features, totalBlocked int) map[string]interface{} {
	conditions := map[string]interface{}{}

	if toolName, ok := features["tool_name"]; ok {
		conditions["target"] = toolName
	}
	if hasSensitive, ok := features["has_sensitive"].(bool); ok && hasSensitive {
		conditions["parameters"] = map[string]interface{}{
			"content": map[string]interface{}{"pattern": "(?i)(password|secret|token|key)"},
		}
	}
	if isExternal, ok := features["is_external"].(bool); ok && isExternal {
		params, _ := conditions["parameters"].(map[string]interface{})
		if params == nil {
			params = map[string]interface{}{}
		}
		params["url"] = map[string]interface{}{
			"pattern": "^(https?://)(?!localhost|127.0.0.1|internal\\.).*",
		}
		conditions["parameters"] = params
	}

	policy := map[string]interface{}{
		"id":         fmt.Sprintf("learned_%s_%s", req.ActionType, shortHash(req.Target)),
		"applies_to": []string{string(req.ActionType)},
		"decision":   "DENY",
		"reason":     fmt.Sprintf("learned from %d blocked actions", totalBlocked),
		"priority":   50,
	}
	if len(conditions) > 0 {
		policy["condition"] = conditions
	}
	return policy
}

func (l *Learner) analyzeAgentPatternsLocked() {
	type agentTypeCounts map[action.Type]int
	perAgent := map[string]agentTypeCounts{}
	perAgentEntries := map[string][]blockedEntry{}

	for _, e := range l.window {
		if perAgent[e.request.AgentID] == nil {
			perAgent[e.request.AgentID] = agentTypeCounts{}
		}
		perAgent[e.request.AgentID][e.request.ActionType]++
		perAgentEntries[e.request.AgentID] = append(perAgentEntries[e.request.AgentID], e)
	}

	for agentID, counts := range perAgent {
		entries := perAgentEntries[agentID]
		if len(entries) < 5 {
			continue
		}

		var dominantType action.Type
		dominantCount := 0
		for t, c := range counts {
			if c > dominantCount {
				dominantType = t
				dominantCount = c
			}
		}
		if dominantCount < 3 {
			continue
		}

		patternID := fmt.Sprintf("agent_%s_%s", agentID, dominantType)
		if _, exists := l.patterns[patternID]; exists {
			continue
		}

		examples := make([]ExampleAction, 0, 3)
		for i, e := range entries {
			if i >= 3 {
				break
			}
			examples = append(examples, ExampleAction{
				AgentID:    e.request.AgentID,
				ActionType: string(e.request.ActionType),
				Target:     e.request.Target,
				Goal:       e.request.DeclaredGoal,
			})
		}

		l.patterns[patternID] = Suggestion{
			ID:             patternID,
			Pattern:        map[string]interface{}{"agent_id": agentID, "action_type": string(dominantType)},
			Confidence:     minF(1.0, float64(dominantCount)/10.0),
			Reason:         fmt.Sprintf("agent %s repeatedly blocked for %s", agentID, dominantType),
			ExampleActions: examples,
			BlockedCount:   dominantCount,
			SuggestedPolicy: map[string]interface{}{
				"id":         patternID,
				"applies_to": []string{string(dominantType)},
				"condition":  map[string]interface{}{"agent_id": map[string]interface{}{"literal": agentID}},
				"decision":   "DENY",
				"reason":     fmt.Sprintf("agent %s has history of violations", agentID),
				"priority":   50,
			},
		}
	}
}

func (l *Learner) analyzeTemporalPatternsLocked() {
	if len(l.window) < 20 {
		return
	}

	recent := l.window
	if len(recent) > 100 {
		recent = recent[len(recent)-100:]
	}

	hourly := map[int]int{}
	for _, e := range recent {
		hourly[e.request.Timestamp.UTC().Hour()]++
	}

	for hour, count := range hourly {
		if count < 5 {
			continue
		}
		patternID := fmt.Sprintf("time_pattern_%02d", hour)
		if _, exists := l.patterns[patternID]; exists {
			continue
		}

		l.patterns[patternID] = Suggestion{
			ID:           patternID,
			Pattern:      map[string]interface{}{"hour": hour, "count": count},
			Confidence:   minF(1.0, float64(count)/20.0),
			Reason:       fmt.Sprintf("peak blocking activity at %02d:00 UTC", hour),
			BlockedCount: count,
			SuggestedPolicy: map[string]interface{}{
				"id":         patternID,
				"applies_to": []string{"*"},
				"condition":  map[string]interface{}{},
				"decision":   "REVIEW",
				"reason":     fmt.Sprintf("high activity hour: %02d:00 UTC", hour),
				"priority":   75,
			},
		}
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// shortHash returns a short, stable, collision-resistant-enough token
// derived from s for building human-readable IDs. It is not
// cryptographic. Suggestion IDs are built from it (cluster_<hash>) or from
// the agent, action type and hour; NewSuggestionID is not used for them.
func shortHash(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}

// NewSuggestionID mints a collision-free suggestion identifier, replacing
// the original implementation's `hash(...) % 10000` scheme.
func NewSuggestionID() string {
	return uuid.NewString()
}
