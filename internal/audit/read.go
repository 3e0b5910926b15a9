package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

// GetRecentEvents returns up to limit events from today's log file,
// newest first, per the original logger's get_recent_events. It takes the
// read side of the log's RWMutex so a burst of reads never blocks Append,
// and Append (a single Write+Sync) never blocks long behind readers.
func (l *Log) GetRecentEvents(limit int) ([]action.AuditEvent, error) {
	l.mu.RLock()
	path := filepath.Join(l.dir, todayFileName(time.Now()))
	l.mu.RUnlock()

	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	events := make([]action.AuditEvent, 0, len(lines))
	for _, line := range lines {
		var ev action.AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // a malformed line should not hide the rest of the chain
		}
		events = append(events, ev)
	}

	// Lines are append-ordered (oldest first); reverse for newest-first,
	// matching the original logger's get_recent_events.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// VerifyChain re-derives the hash chain for this Log's own directory. See
// the package-level VerifyChain for the reusable, file-based form (used by
// the `ciaaguard verify` CLI command against an arbitrary audit directory).
func (l *Log) VerifyChain() (bool, string, error) {
	l.mu.RLock()
	dir := l.dir
	l.mu.RUnlock()
	return VerifyChain(dir)
}

// VerifyChain re-derives every line's hash in dir's log files (in
// chronological file order) from its own stored payload and the prior
// line's hash, per spec.md §4.6/§8 property 2. It returns (true, "") when
// the whole chain checks out, or (false, reason) pointing at the first
// break found.
func VerifyChain(dir string) (bool, string, error) {
	files, err := logFilesSorted(dir)
	if err != nil {
		return false, "", err
	}

	previousHash := action.GenesisHash
	for _, path := range files {
		lines, err := readLines(path)
		if err != nil {
			return false, "", err
		}
		for i, line := range lines {
			var ev action.AuditEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				return false, fmt.Sprintf("%s: line %d is not valid JSON: %v", path, i+1, err), nil
			}
			if ev.PreviousHash != previousHash {
				return false, fmt.Sprintf("%s: line %d has previous_hash %q, expected %q", path, i+1, ev.PreviousHash, previousHash), nil
			}

			payload := payloadForHash{
				ActionRequest:  ev.ActionRequest,
				Decision:       ev.Decision,
				CIAAEvaluation: ev.CIAAEvaluation,
				Timestamp:      ev.Timestamp,
			}
			wantHash, err := computeHash(payload, previousHash)
			if err != nil {
				return false, "", err
			}
			if ev.Hash != wantHash {
				return false, fmt.Sprintf("%s: line %d has hash %q, recomputed %q", path, i+1, ev.Hash, wantHash), nil
			}

			previousHash = ev.Hash
		}
	}
	return true, "", nil
}

func logFilesSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("audit: read dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths) // "audit_YYYY-MM-DD.log" sorts chronologically
	return paths, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return lines, nil
}
