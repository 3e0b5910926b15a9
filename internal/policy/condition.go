// Package policy implements the Policy Store and Policy Evaluator: loading
// declarative YAML policies, sorting them by priority, and evaluating an
// action.Request against them with first-match-deny semantics. The
// condition language is a discriminated union rather than a string-keyed
// map (spec.md §9 design note) — the only place this package inspects a
// YAML mapping's keys at runtime is in Condition.UnmarshalYAML, which
// decodes the tagged-union wire shape into this struct once at load time.
package policy

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

// TargetCond matches an action's Target field.
type TargetCond struct {
	Literal string
	In      []string
	Pattern string

	compiled *regexp.Regexp // non-nil only when Pattern is set and compiles
}

// ParamCond matches a single named parameter's value.
type ParamCond struct {
	Literal interface{}
	In      []interface{}
	Pattern string

	HasLiteral bool
	HasIn      bool

	compiled *regexp.Regexp
}

// RateLimitCond is the {max_per_minute, window_seconds, key} shape from
// spec.md §4.2. It matches when the observations of its key already seen
// within the window, before the current one, meet or exceed MaxPerMinute.
type RateLimitCond struct {
	MaxPerMinute  int
	WindowSeconds int
	Key           string // "agent_id" | "target" | "action_id"
}

// Condition is the recursive, tagged-union predicate attached to a
// PolicyRule. Exactly the fields that were set by the YAML source are
// non-nil/non-empty; Match interprets "set" fields as implicitly AND-ed
// together, matching the original policy engine's per-key loop semantics.
type Condition struct {
	Target     *TargetCond
	Parameters map[string]ParamCond
	Pattern    string
	RateLimit  *RateLimitCond
	And        []Condition
	Or         []Condition

	patternCompiled *regexp.Regexp
}

// IsEmpty reports whether the condition has no fields set, which matches
// everything per spec.md §4.2.
func (c *Condition) IsEmpty() bool {
	return c.Target == nil && len(c.Parameters) == 0 && c.Pattern == "" &&
		c.RateLimit == nil && len(c.And) == 0 && len(c.Or) == 0
}

// compileRegex compiles pattern anchored at the start of the input, per
// spec.md §4.2 ("Regex semantics: anchored at the start"). A malformed
// pattern returns a nil matcher and the caller treats that sub-condition as
// never matching rather than propagating the error up through evaluation
// (spec.md §4.2/§7: a bad regex skips the rule, it never crashes).
func compileRegex(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	anchored := pattern
	if len(anchored) == 0 || anchored[0] != '^' {
		anchored = "^(?:" + pattern + ")"
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil
	}
	return re
}

// UnmarshalYAML decodes the tagged-union condition shape described in
// spec.md §4.2/§6 into a Condition. This is the one place this package
// looks at a YAML mapping's keys dynamically — evaluation itself never does.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Value == "") {
			return nil // empty condition
		}
		return fmt.Errorf("policy: condition must be a mapping, got kind %d", node.Kind)
	}

	var raw map[string]yaml.Node
	if err := decodeMapping(node, &raw); err != nil {
		return err
	}

	for key, valNode := range raw {
		valNode := valNode
		switch key {
		case "target":
			tc, err := decodeTargetCond(&valNode)
			if err != nil {
				return fmt.Errorf("policy: condition.target: %w", err)
			}
			c.Target = tc
		case "parameters":
			pm, err := decodeParamConds(&valNode)
			if err != nil {
				return fmt.Errorf("policy: condition.parameters: %w", err)
			}
			c.Parameters = pm
		case "pattern":
			if err := valNode.Decode(&c.Pattern); err != nil {
				return fmt.Errorf("policy: condition.pattern: %w", err)
			}
			c.patternCompiled = compileRegex(c.Pattern)
		case "rate_limit":
			rl, err := decodeRateLimitCond(&valNode)
			if err != nil {
				return fmt.Errorf("policy: condition.rate_limit: %w", err)
			}
			c.RateLimit = rl
		case "and":
			var subs []Condition
			if err := valNode.Decode(&subs); err != nil {
				return fmt.Errorf("policy: condition.and: %w", err)
			}
			c.And = subs
		case "or":
			var subs []Condition
			if err := valNode.Decode(&subs); err != nil {
				return fmt.Errorf("policy: condition.or: %w", err)
			}
			c.Or = subs
		default:
			// Unknown keys are ignored rather than failing the whole
			// policy load — spec.md §4.2/§7: a single malformed rule
			// must not disable the others, and forward-compatibility
			// with new condition keys is cheap to allow here.
		}
	}
	return nil
}

func decodeMapping(node *yaml.Node, out *map[string]yaml.Node) error {
	m := make(map[string]yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		m[keyNode.Value] = *node.Content[i+1]
	}
	*out = m
	return nil
}

func decodeTargetCond(node *yaml.Node) (*TargetCond, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		return &TargetCond{Literal: s}, nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, err
		}
		return &TargetCond{In: list}, nil
	case yaml.MappingNode:
		var shape struct {
			In      []string `yaml:"in"`
			Pattern string   `yaml:"pattern"`
		}
		if err := node.Decode(&shape); err != nil {
			return nil, err
		}
		tc := &TargetCond{In: shape.In, Pattern: shape.Pattern}
		tc.compiled = compileRegex(shape.Pattern)
		return tc, nil
	default:
		return nil, fmt.Errorf("unsupported target condition shape")
	}
}

func decodeParamConds(node *yaml.Node) (map[string]ParamCond, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parameters condition must be a mapping")
	}
	out := make(map[string]ParamCond, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		valNode := node.Content[i+1]

		if valNode.Kind == yaml.MappingNode {
			var shape struct {
				Pattern string        `yaml:"pattern"`
				In      []interface{} `yaml:"in"`
			}
			if err := valNode.Decode(&shape); err != nil {
				return nil, err
			}
			pc := ParamCond{Pattern: shape.Pattern}
			if shape.Pattern != "" {
				pc.compiled = compileRegex(shape.Pattern)
			}
			if shape.In != nil {
				pc.HasIn = true
				pc.In = shape.In
			}
			out[name] = pc
			continue
		}

		var lit interface{}
		if err := valNode.Decode(&lit); err != nil {
			return nil, err
		}
		out[name] = ParamCond{Literal: lit, HasLiteral: true}
	}
	return out, nil
}

func decodeRateLimitCond(node *yaml.Node) (*RateLimitCond, error) {
	var shape struct {
		MaxPerMinute  int    `yaml:"max_per_minute"`
		WindowSeconds int    `yaml:"window_seconds"`
		Key           string `yaml:"key"`
	}
	if err := node.Decode(&shape); err != nil {
		return nil, err
	}
	if shape.WindowSeconds == 0 {
		shape.WindowSeconds = 60
	}
	if shape.Key == "" {
		shape.Key = "agent_id"
	}
	return &RateLimitCond{
		MaxPerMinute:  shape.MaxPerMinute,
		WindowSeconds: shape.WindowSeconds,
		Key:           shape.Key,
	}, nil
}

// Tracker supplies the observation counts rate_limit conditions need.
// ratelimit.SlidingWindowTracker implements this.
type Tracker interface {
	// Observe records one observation for key and returns the count of
	// observations within the trailing window duration (in seconds).
	Observe(key string, windowSeconds int) int
}

// Match evaluates the condition against req, recording rate_limit
// observations through tracker. An empty condition always matches.
func (c *Condition) Match(req *action.Request, tracker Tracker) bool {
	if c.IsEmpty() {
		return true
	}

	if c.Target != nil && !c.Target.match(req.Target) {
		return false
	}
	if len(c.Parameters) > 0 && !matchParameters(c.Parameters, req.Parameters) {
		return false
	}
	if c.Pattern != "" {
		if c.patternCompiled == nil {
			return false // malformed pattern: never matches, never crashes
		}
		if !c.patternCompiled.MatchString(req.Target) {
			return false
		}
	}
	if c.RateLimit != nil && !c.RateLimit.match(req, tracker) {
		return false
	}
	for _, sub := range c.And {
		sub := sub
		if !sub.Match(req, tracker) {
			return false
		}
	}
	if len(c.Or) > 0 {
		any := false
		for _, sub := range c.Or {
			sub := sub
			if sub.Match(req, tracker) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func (tc *TargetCond) match(target string) bool {
	if tc.Literal != "" {
		return tc.Literal == target
	}
	if len(tc.In) > 0 {
		for _, v := range tc.In {
			if v == target {
				return true
			}
		}
		return false
	}
	if tc.Pattern != "" {
		if tc.compiled == nil {
			return false
		}
		return tc.compiled.MatchString(target)
	}
	return false
}

func matchParameters(conds map[string]ParamCond, params map[string]interface{}) bool {
	for name, cond := range conds {
		val, ok := params[name]
		if !ok {
			return false
		}
		if !cond.match(val) {
			return false
		}
	}
	return true
}

func (pc *ParamCond) match(val interface{}) bool {
	if pc.Pattern != "" && pc.compiled == nil {
		return false
	}
	if pc.compiled != nil {
		return pc.compiled.MatchString(fmt.Sprintf("%v", val))
	}
	if pc.HasIn {
		for _, v := range pc.In {
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", val) {
				return true
			}
		}
		return false
	}
	if pc.HasLiteral {
		return fmt.Sprintf("%v", pc.Literal) == fmt.Sprintf("%v", val)
	}
	return true
}

func (rl *RateLimitCond) match(req *action.Request, tracker Tracker) bool {
	if rl.MaxPerMinute <= 0 {
		return true
	}
	if tracker == nil {
		return false
	}

	var key string
	switch rl.Key {
	case "target":
		key = "rl:target:" + req.Target
	case "action_id":
		key = "rl:action:" + req.ActionID
	default:
		key = "rl:agent:" + req.AgentID + ":" + req.Target
	}

	// Observe's count includes the current observation.
	count := tracker.Observe(key, rl.WindowSeconds)
	return count-1 >= rl.MaxPerMinute
}
