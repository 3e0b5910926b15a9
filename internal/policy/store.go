package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Effect is the action a matching rule takes.
type Effect string

const (
	EffectAllow  Effect = "ALLOW"
	EffectDeny   Effect = "DENY"
	EffectReview Effect = "REVIEW"
)

// Valid reports whether e is one of the known effects.
func (e Effect) Valid() bool {
	switch e {
	case EffectAllow, EffectDeny, EffectReview:
		return true
	default:
		return false
	}
}

// Rule is one declarative policy entry, as loaded from YAML.
type Rule struct {
	ID        string    `yaml:"id"`
	Priority  int       `yaml:"priority"`
	AppliesTo []string  `yaml:"applies_to"`
	Decision  Effect    `yaml:"decision"`
	Reason    string    `yaml:"reason"`
	Condition Condition `yaml:"condition"`
}

// Applies reports whether the rule is considered at all for an action of
// the given type: spec.md §4.2's applies-to filter is satisfied when
// applies_to contains "*" or the type's own name. A rule with an empty
// applies_to list is treated as unscoped (applies to every type), so a
// zero-config policy file need not repeat applies_to on every rule.
func (r Rule) Applies(actionType string) bool {
	if len(r.AppliesTo) == 0 {
		return true
	}
	for _, t := range r.AppliesTo {
		if t == "*" || t == actionType {
			return true
		}
	}
	return false
}

// fileShape is the top-level YAML document shape: a bare list of rules
// under a "policies" key, matching the teacher's PolicyConfig document
// convention.
type fileShape struct {
	Policies []Rule `yaml:"policies"`
}

// Store holds the currently-loaded, priority-sorted set of rules and can
// hot-reload them from disk. Reads (Rules) and writes (Load) are protected
// by an RWMutex so the evaluator never observes a half-swapped rule set.
type Store struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rules []Rule
	path  string

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewStore creates an empty Store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger.With("component", "policy.Store")}
}

// Load reads and parses the YAML policy file at path, validates every rule,
// and atomically replaces the store's rule set sorted by ascending priority
// number (spec.md §3/§4.2: lower numbers bind first, ties broken by load
// order). A single malformed rule is logged and skipped rather than
// failing the whole load.
func (s *Store) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", path, err)
	}

	var doc fileShape
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("policy: parse %s: %w", path, err)
	}

	valid := make([]Rule, 0, len(doc.Policies))
	seen := make(map[string]bool, len(doc.Policies))
	for i, r := range doc.Policies {
		if r.ID == "" {
			s.logger.Warn("skipping policy with no id", "index", i)
			continue
		}
		if seen[r.ID] {
			s.logger.Warn("skipping policy with duplicate id", "id", r.ID)
			continue
		}
		if !r.Decision.Valid() {
			s.logger.Warn("skipping policy with invalid decision", "id", r.ID, "decision", r.Decision)
			continue
		}
		seen[r.ID] = true
		valid = append(valid, r)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority < valid[j].Priority
	})

	s.mu.Lock()
	s.rules = valid
	s.path = path
	s.mu.Unlock()

	s.logger.Info("policy store loaded", "path", path, "total", len(doc.Policies), "loaded", len(valid))
	return nil
}

// Rules returns the current priority-sorted rule set. Callers must not
// mutate the returned slice.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Watch starts an fsnotify watcher on the store's loaded file (directory-
// watch pattern, to survive editor rename-and-replace saves) and calls
// Load again whenever it changes. Reload errors are logged, not returned,
// so a bad edit never tears down a previously-good rule set.
func (s *Store) Watch() error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("policy: Watch called before Load")
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher != nil {
		s.stopWatchLocked()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("policy: resolve path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: create watcher: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("policy: watch directory %s: %w", dir, err)
	}

	s.watcher = w
	s.watchDone = make(chan struct{})
	go s.watchLoop(absPath)

	s.logger.Info("watching policy file for changes", "path", absPath)
	return nil
}

func (s *Store) watchLoop(targetPath string) {
	defer close(s.watchDone)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.logger.Info("policy file changed, reloading", "path", targetPath)
				if err := s.Load(targetPath); err != nil {
					s.logger.Error("policy reload failed, keeping previous rule set", "error", err)
				}
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the background file watcher, if running.
func (s *Store) StopWatch() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.stopWatchLocked()
}

func (s *Store) stopWatchLocked() {
	if s.watcher != nil {
		_ = s.watcher.Close()
		if s.watchDone != nil {
			<-s.watchDone
		}
		s.watcher = nil
		s.watchDone = nil
	}
}
