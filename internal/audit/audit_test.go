package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

func mustReq(t *testing.T) *action.Request {
	t.Helper()
	r, err := action.NewRequest(action.Request{
		AgentID:    "agent-1",
		ActionType: action.ToolCall,
		Target:     "http_request",
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return r
}

func TestAppendAndVerifyChainRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	for i := 0; i < 5; i++ {
		req := mustReq(t)
		decision := action.Decision{Allow: true}
		if _, err := log.Append(req, decision, action.CIAAViolations{}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	ok, reason, err := log.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !ok {
		t.Fatalf("expected chain to verify, got reason=%q", reason)
	}
}

func TestFirstEventChainsToGenesisHash(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	req := mustReq(t)
	event, err := log.Append(req, action.Decision{Allow: true}, action.CIAAViolations{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if event.PreviousHash != action.GenesisHash {
		t.Errorf("expected first event's previous_hash to be genesis, got %q", event.PreviousHash)
	}
}

func TestTamperedEntryBreaksVerification(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		req := mustReq(t)
		if _, err := log.Append(req, action.Decision{Allow: true}, action.CIAAViolations{}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	log.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log file, found %d", len(entries))
	}
	path := filepath.Join(dir, entries[0].Name())

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := []byte(string(raw)[:len(raw)-2] + "XX\n")
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ok, reason, err := VerifyChain(dir)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if ok {
		t.Fatal("expected tampering to break chain verification")
	}
	if reason == "" {
		t.Error("expected a non-empty reason for the break")
	}
}

func TestRecoverResumesChainAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	req := mustReq(t)
	first, err := log.Append(req, action.Decision{Allow: true}, action.CIAAViolations{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	log.Close()

	log2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer log2.Close()

	second, err := log2.Append(mustReq(t), action.Decision{Allow: true}, action.CIAAViolations{})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if second.PreviousHash != first.Hash {
		t.Errorf("expected reopened log to chain from the last hash, got previous_hash=%q want=%q", second.PreviousHash, first.Hash)
	}

	ok, reason, err := VerifyChain(dir)
	if err != nil || !ok {
		t.Fatalf("expected chain to verify across reopen, ok=%v reason=%q err=%v", ok, reason, err)
	}
}

func TestGetRecentEventsReturnsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		req := mustReq(t)
		ids = append(ids, req.ActionID)
		if _, err := log.Append(req, action.Decision{Allow: true}, action.CIAAViolations{}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	events, err := log.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("GetRecentEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ActionRequest.ActionID != ids[2] {
		t.Errorf("expected newest event first (%s), got %s", ids[2], events[0].ActionRequest.ActionID)
	}
}
