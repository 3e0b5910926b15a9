// Package audit implements the append-only, hash-chained audit journal
// described in spec.md §4.6: one canonical-JSON line per action.AuditEvent,
// partitioned into daily files, each line's hash depending on every line
// before it so tampering with any entry is detectable by re-walking the
// chain (VerifyChain).
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

// Log appends action.AuditEvent records to a daily-partitioned,
// hash-chained file under dir. Append is serialized by a single writer
// mutex; reads (GetRecentEvents, VerifyChain) take the read side of an
// RWMutex so a burst of reads never blocks the writer, and the writer
// never blocks behind a slow reader because the write path itself never
// acquires the read lock.
type Log struct {
	dir    string
	logger *slog.Logger

	mu           sync.RWMutex // guards previousHash and the open file handle
	previousHash string
	file         *os.File
	fileDate     string // YYYY-MM-DD the open file handle corresponds to
}

// Open creates (or resumes) an audit log rooted at dir. It recovers the
// previous hash from today's file if one already exists (ported from
// AuditLogger._load_last_hash), or starts from the genesis hash otherwise.
func Open(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}

	l := &Log{dir: dir, logger: logger.With("component", "audit.Log"), previousHash: action.GenesisHash}
	if err := l.openTodayLocked(); err != nil {
		return nil, err
	}
	if err := l.recoverLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

func todayFileName(t time.Time) string {
	return fmt.Sprintf("audit_%s.log", t.UTC().Format("2006-01-02"))
}

// openTodayLocked opens (creating if needed) today's log file for
// appending, rolling over from whatever file was previously open. Caller
// must hold l.mu for writing.
func (l *Log) openTodayLocked() error {
	date := time.Now().UTC().Format("2006-01-02")
	if l.file != nil && l.fileDate == date {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
	}

	path := filepath.Join(l.dir, todayFileName(time.Now()))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	l.file = f
	l.fileDate = date
	return nil
}

// recoverLocked reads the last line of today's file, if any, to restore
// previousHash. Caller must hold l.mu for writing (called only from Open).
func (l *Log) recoverLocked() error {
	path := filepath.Join(l.dir, todayFileName(time.Now()))
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: recover from %s: %w", path, err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan %s: %w", path, err)
	}
	if last == "" {
		return nil
	}

	var ev action.AuditEvent
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		l.logger.Warn("last audit line is malformed, starting fresh chain from genesis", "error", err)
		return nil
	}
	if ev.Hash != "" {
		l.previousHash = ev.Hash
	}
	return nil
}

// payloadForHash is the subset of an AuditEvent that participates in the
// hash computation — everything except hash/previous_hash themselves,
// matching the original logger's "every field except hash/previous_hash".
type payloadForHash struct {
	ActionRequest  action.Request        `json:"action_request"`
	Decision       action.Decision       `json:"decision"`
	CIAAEvaluation action.CIAAViolations `json:"ciaa_evaluation"`
	Timestamp      time.Time             `json:"timestamp"`
}

func computeHash(p payloadForHash, previousHash string) (string, error) {
	canon, err := action.CanonicalJSON(p)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256([]byte(canon + previousHash))
	return hex.EncodeToString(sum[:]), nil
}

// Append adds one audit event for req/decision/ciaaEval to the chain and
// returns the finished AuditEvent (including its computed hash). Append is
// the log's single writer; concurrent callers serialize on l.mu.
func (l *Log) Append(req *action.Request, decision action.Decision, ciaaEval action.CIAAViolations) (action.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openTodayLocked(); err != nil {
		return action.AuditEvent{}, err
	}

	payload := payloadForHash{
		ActionRequest:  *req,
		Decision:       decision,
		CIAAEvaluation: ciaaEval,
		Timestamp:      time.Now().UTC(),
	}

	hash, err := computeHash(payload, l.previousHash)
	if err != nil {
		return action.AuditEvent{}, err
	}

	event := action.AuditEvent{
		Hash:           hash,
		PreviousHash:   l.previousHash,
		ActionRequest:  payload.ActionRequest,
		Decision:       payload.Decision,
		CIAAEvaluation: payload.CIAAEvaluation,
		Timestamp:      payload.Timestamp,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return action.AuditEvent{}, fmt.Errorf("audit: marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return action.AuditEvent{}, fmt.Errorf("audit: write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return action.AuditEvent{}, fmt.Errorf("audit: sync event: %w", err)
	}

	l.previousHash = hash
	return event, nil
}

// Close closes the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
