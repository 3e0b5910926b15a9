package learner

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

const defaultWindowSize = 1000
const analyzeEvery = 100

// observation is one blocked (request, decision) pair queued for the
// mining goroutine.
type observation struct {
	request  action.Request
	decision action.Decision
}

// Learner mines blocked actions for repeated patterns and turns them into
// policy suggestions. Observe is non-blocking: it enqueues onto a buffered
// channel drained by a single background goroutine, so Runtime.Intercept's
// hot path never waits on mining — the §9 redesign away from the original
// implementation's synchronous every-100th-call mining.
type Learner struct {
	windowSize int
	logger     *slog.Logger

	mu        sync.Mutex
	additions int // observations ingested so far; drives the every-100th analysis
	window    []blockedEntry
	clusters  map[string][]blockedEntry
	patterns  map[string]Suggestion

	queue chan observation
	done  chan struct{}

	store *SQLiteSuggestionStore
}

// New creates a Learner with the given bounded window size (0 uses the
// default of 1000) and starts its background mining goroutine.
func New(windowSize int, logger *slog.Logger) *Learner {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Learner{
		windowSize: windowSize,
		logger:     logger.With("component", "learner.Learner"),
		clusters:   make(map[string][]blockedEntry),
		patterns:   make(map[string]Suggestion),
		queue:      make(chan observation, 256),
		done:       make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Learner) run() {
	defer close(l.done)
	for obs := range l.queue {
		l.ingest(obs.request, obs.decision)
	}
}

// Observe enqueues a blocked action for mining. It never blocks the
// caller: when the internal queue is full, which only happens under
// sustained, extreme block rates, the observation is dropped with a
// warning.
func (l *Learner) Observe(req *action.Request, decision action.Decision) {
	if req == nil {
		return
	}
	select {
	case l.queue <- observation{request: *req, decision: decision}:
	default:
		l.logger.Warn("learner queue full, dropping observation", "action_id", req.ActionID)
	}
}

// ingest is the actual mining step, run only on the background goroutine.
func (l *Learner) ingest(req action.Request, decision action.Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.window = append(l.window, blockedEntry{request: req, decision: decision})
	if len(l.window) > l.windowSize {
		l.window = l.window[len(l.window)-l.windowSize:]
	}

	l.clusterLocked(req, decision)

	l.additions++
	if l.additions%analyzeEvery == 0 {
		l.analyzePatternsLocked()
	}
}

// AttachStore loads any suggestions persisted from a prior process into
// the learner's in-memory pattern table, then arranges for Shutdown to
// persist the final set back to store. Call this once, right after New.
func (l *Learner) AttachStore(store *SQLiteSuggestionStore) error {
	loaded, err := store.Load()
	if err != nil {
		return fmt.Errorf("learner: load persisted suggestions: %w", err)
	}

	l.mu.Lock()
	for _, sug := range loaded {
		l.patterns[sug.ID] = sug
	}
	l.store = store
	l.mu.Unlock()

	return nil
}

// Shutdown stops accepting new observations, waits for the background
// goroutine to drain, and — if AttachStore was called — persists the
// final suggestion set so it survives the next process start.
func (l *Learner) Shutdown() {
	close(l.queue)
	<-l.done

	if l.store == nil {
		return
	}
	if err := l.store.Persist(l.GetSuggestions(0)); err != nil {
		l.logger.Error("failed to persist suggestions on shutdown", "error", err)
	}
	if err := l.store.Close(); err != nil {
		l.logger.Error("failed to close suggestion store", "error", err)
	}
}

// GetSuggestions returns learned suggestions at or above minConfidence,
// sorted by descending confidence.
func (l *Learner) GetSuggestions(minConfidence float64) []Suggestion {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Suggestion, 0, len(l.patterns))
	for _, s := range l.patterns {
		if s.Confidence >= minConfidence {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// Stats summarizes the learner's current state, per spec.md §4.7.
type Stats struct {
	TotalBlockedActions int `json:"total_blocked_actions"`
	ClustersFound       int `json:"clusters_found"`
	PatternsLearned     int `json:"patterns_learned"`
	SuggestionsReady    int `json:"suggestions_available"`
	LearningWindow      int `json:"learning_window"`
}

// Stats reports the learner's current counters.
func (l *Learner) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	ready := 0
	for _, s := range l.patterns {
		if s.Confidence >= 0.3 {
			ready++
		}
	}

	return Stats{
		TotalBlockedActions: len(l.window),
		ClustersFound:       len(l.clusters),
		PatternsLearned:     len(l.patterns),
		SuggestionsReady:    ready,
		LearningWindow:      l.windowSize,
	}
}

// Clear discards all learned state: window, clusters, and patterns.
func (l *Learner) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = nil
	l.clusters = make(map[string][]blockedEntry)
	l.patterns = make(map[string]Suggestion)
}
