package learner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ciaaguard/ciaaguard/internal/action"
	"github.com/ciaaguard/ciaaguard/internal/policy"
)

func mustReq(t *testing.T, r action.Request) *action.Request {
	t.Helper()
	req, err := action.NewRequest(r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func waitForQueueDrain(l *Learner) {
	// The learner's ingestion runs on a background goroutine; give it a
	// moment to catch up before asserting on its state.
	for i := 0; i < 50; i++ {
		if len(l.queue) == 0 {
			time.Sleep(5 * time.Millisecond)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserveRecordsBlockedActionsAndCluster(t *testing.T) {
	l := New(100, nil)
	defer l.Shutdown()

	decision := action.Decision{Allow: false, PolicyID: "deny-exfil", CIAAViolations: action.CIAAViolations{"C": "x"}}
	for i := 0; i < 5; i++ {
		req := mustReq(t, action.Request{
			AgentID:    "agent-1",
			ActionType: action.ToolCall,
			Target:     "http_request",
			Parameters: map[string]interface{}{"url": "https://evil.example.com"},
		})
		l.Observe(req, decision)
	}
	waitForQueueDrain(l)

	// Five additions are short of the every-100th-addition analysis, so
	// only the window and the cluster have been updated so far.
	stats := l.Stats()
	if stats.TotalBlockedActions != 5 {
		t.Fatalf("expected 5 blocked actions recorded, got %d", stats.TotalBlockedActions)
	}
	if stats.ClustersFound != 1 {
		t.Fatalf("expected 1 cluster, got %d", stats.ClustersFound)
	}
}

func TestAnalysisRunsAtHundredthObservation(t *testing.T) {
	l := New(200, nil)
	defer l.Shutdown()

	decision := action.Decision{Allow: false, PolicyID: "deny-exfil", CIAAViolations: action.CIAAViolations{"C": "x"}}
	for i := 0; i < 100; i++ {
		req := mustReq(t, action.Request{
			AgentID:    "agent-1",
			ActionType: action.ToolCall,
			Target:     "http_request",
			Parameters: map[string]interface{}{"url": "https://evil.example.com"},
		})
		l.Observe(req, decision)
	}
	waitForQueueDrain(l)

	suggestions := l.GetSuggestions(0.0)
	if len(suggestions) == 0 {
		t.Fatal("expected at least one suggestion after 100 blocked observations")
	}
}

func TestExportSuggestionsProducesLoadablePolicyFile(t *testing.T) {
	l := New(200, nil)
	defer l.Shutdown()

	decision := action.Decision{Allow: false, PolicyID: "deny-exfil", CIAAViolations: action.CIAAViolations{"C": "x"}}
	for i := 0; i < 100; i++ {
		req := mustReq(t, action.Request{
			AgentID:    "agent-1",
			ActionType: action.ToolCall,
			Target:     "http_request",
			Parameters: map[string]interface{}{"url": "https://evil.example.com"},
		})
		l.Observe(req, decision)
	}
	waitForQueueDrain(l)

	dir := t.TempDir()
	path := filepath.Join(dir, "learned.yaml")
	if err := l.ExportSuggestions(path); err != nil {
		t.Fatalf("ExportSuggestions: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected export file to exist: %v", err)
	}

	// The round-trip property: a policy.Store must be able to load the
	// exported file directly.
	store := policy.NewStore(nil)
	if err := store.Load(path); err != nil {
		t.Fatalf("policy.Store failed to load exported suggestions: %v", err)
	}
	if len(store.Rules()) == 0 {
		t.Fatal("expected at least one rule to load from the exported suggestions")
	}
}

func TestClearResetsAllState(t *testing.T) {
	l := New(50, nil)
	defer l.Shutdown()

	req := mustReq(t, action.Request{AgentID: "a1", ActionType: action.ToolCall, Target: "t"})
	l.Observe(req, action.Decision{Allow: false, PolicyID: "p"})
	waitForQueueDrain(l)

	l.Clear()
	stats := l.Stats()
	if stats.TotalBlockedActions != 0 || stats.ClustersFound != 0 || stats.PatternsLearned != 0 {
		t.Errorf("expected all counters zero after Clear, got %+v", stats)
	}
}

func TestObserveNeverBlocksOnFullQueue(t *testing.T) {
	l := New(10, nil)
	defer l.Shutdown()

	// Flood far beyond the queue's buffer; Observe must never hang.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			req := mustReq(t, action.Request{AgentID: "a1", ActionType: action.ToolCall, Target: "t"})
			l.Observe(req, action.Decision{Allow: false, PolicyID: "p"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Observe appears to block under load")
	}
}

func TestSuggestionsSurviveRestartViaSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "learner.db")

	l := New(200, nil)
	decision := action.Decision{Allow: false, PolicyID: "deny-exfil", CIAAViolations: action.CIAAViolations{"C": "x"}}
	for i := 0; i < 100; i++ {
		req := mustReq(t, action.Request{
			AgentID:    "agent-1",
			ActionType: action.ToolCall,
			Target:     "http_request",
			Parameters: map[string]interface{}{"url": "https://evil.example.com"},
		})
		l.Observe(req, decision)
	}
	waitForQueueDrain(l)

	store, err := OpenSQLiteSuggestionStore(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLiteSuggestionStore: %v", err)
	}
	if err := l.AttachStore(store); err != nil {
		t.Fatalf("AttachStore: %v", err)
	}
	before := l.GetSuggestions(0)
	if len(before) == 0 {
		t.Fatal("expected at least one suggestion before shutdown")
	}
	l.Shutdown()

	reopened, err := OpenSQLiteSuggestionStore(dbPath)
	if err != nil {
		t.Fatalf("reopen OpenSQLiteSuggestionStore: %v", err)
	}
	l2 := New(200, nil)
	if err := l2.AttachStore(reopened); err != nil {
		t.Fatalf("AttachStore after restart: %v", err)
	}
	defer l2.Shutdown()

	after := l2.GetSuggestions(0)
	if len(after) != len(before) {
		t.Fatalf("expected %d suggestions restored after restart, got %d", len(before), len(after))
	}
}

func TestOpenSQLiteSuggestionStoreFailsForMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "missing-parent", "learner.db")

	_, err := OpenSQLiteSuggestionStore(dbPath)
	if err == nil {
		t.Fatal("expected an error opening a db path whose directory does not exist")
	}
	_ = os.Remove(dbPath)
}
