// Package config holds the runtime's own configuration: where policies and
// the audit log live, cache/rate-limit sizing, and the learner's knobs. It
// deliberately does not carry the teacher's broader governance-sidecar
// surface (spawn governance, skill vetting, adapters, dashboards) — those
// concerns are out of scope for this mediator.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the ciaaguard runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Learner   LearnerConfig   `yaml:"learner"`
	Sensitive SensitiveConfig `yaml:"sensitive"`
}

type ServerConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the /metrics listener
	FailMode    string `yaml:"fail_mode"`    // "closed" or "open"; printed by serve, not read by the runtime
}

// PolicyConfig points at the policy rule file and controls hot-reload.
type PolicyConfig struct {
	FilePath string `yaml:"file_path"`
	Watch    bool   `yaml:"watch"`
}

// AuditConfig controls the hash-chained audit log.
type AuditConfig struct {
	LogDir string `yaml:"log_dir"`
}

// CacheConfig sizes the decision caches. The runtime builds only the
// action-decision cache, from ActionDecisionSize/TTL (zero values fall back
// to internal/cache's named constructor's defaults); PolicyResultSize and
// PolicyResultTTL are parsed but not read.
type CacheConfig struct {
	ActionDecisionSize int           `yaml:"action_decision_size"`
	ActionDecisionTTL  time.Duration `yaml:"action_decision_ttl"`
	PolicyResultSize   int           `yaml:"policy_result_size"`
	PolicyResultTTL    time.Duration `yaml:"policy_result_ttl"`
}

// RateLimitConfig overrides the per-dimension token bucket defaults in
// internal/ratelimit.DefaultConfigs. A zero-valued dimension here means
// "use the package default" — see Runtime's wiring in internal/runtime.
type RateLimitConfig struct {
	GlobalRPS     float64 `yaml:"global_rps"`
	GlobalBurst   float64 `yaml:"global_burst"`
	PerAgentRPS   float64 `yaml:"per_agent_rps"`
	PerAgentBurst float64 `yaml:"per_agent_burst"`
}

// LearnerConfig controls the asynchronous policy-learning engine.
type LearnerConfig struct {
	WindowSize    int     `yaml:"window_size"`
	MinConfidence float64 `yaml:"min_confidence"`
	SQLitePath    string  `yaml:"sqlite_path"` // empty disables persistence
	ExportPath    string  `yaml:"export_path"` // parsed but not read; ExportSuggestions writes to the path it is given
}

// SensitiveConfig holds extra sensitive-parameter terms and local-domain
// markers. They are parsed but not read: internal/ciaa and
// internal/ratelimit use only their built-in lists.
type SensitiveConfig struct {
	ExtraTerms        []string `yaml:"extra_terms"`
	ExtraLocalDomains []string `yaml:"extra_local_domains"`
}

// Default returns a Config with sensible defaults for zero-config startup,
// mirroring the teacher's DefaultConfig() zero-config posture.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: "info",
			FailMode: "closed",
		},
		Policy: PolicyConfig{
			FilePath: "./policies.yaml",
			Watch:    true,
		},
		Audit: AuditConfig{
			LogDir: "./audit",
		},
		Cache: CacheConfig{},
		RateLimit: RateLimitConfig{
			GlobalRPS:     100,
			GlobalBurst:   200,
			PerAgentRPS:   20,
			PerAgentBurst: 50,
		},
		Learner: LearnerConfig{
			WindowSize:    1000,
			MinConfidence: 0.5,
			ExportPath:    "./learned-policies.yaml",
		},
	}
}

// Loader loads and holds a Config, guarding reads/writes with a mutex so a
// hot-reload (e.g. SIGHUP-triggered) can safely swap the active config
// while Runtime.Intercept reads it concurrently — same shape as the
// teacher's config.Loader.
type Loader struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewLoader creates a Loader seeded with Default().
func NewLoader() *Loader {
	return &Loader{cfg: Default()}
}

// Load reads path as YAML, applying it over Default() so unspecified
// fields keep their defaults.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Get returns the currently loaded Config. The returned pointer must be
// treated as read-only by callers.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// GenerateDefault writes a starter config file at path, for `ciaaguard init`.
func GenerateDefault(path string) error {
	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal default: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
