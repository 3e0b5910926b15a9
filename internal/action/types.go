// Package action defines the data model shared by every stage of the
// interception pipeline: the request an agent proposes, the verdict the
// runtime returns, and the record the audit log retains. Nothing in this
// package performs evaluation — it only holds data and the invariants
// attached to it.
package action

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type enumerates the kinds of action an agent can propose. It is a closed
// set per spec: adding a new kind means adding a new constant here, not
// accepting arbitrary strings.
type Type string

const (
	ToolCall       Type = "tool_call"
	APICall        Type = "api_call"
	NetworkRequest Type = "network_request"
	DatabaseQuery  Type = "database_query"
	FileRead       Type = "file_read"
	FileWrite      Type = "file_write"
	MemoryRead     Type = "memory_read"
	MemoryWrite    Type = "memory_write"
)

// Valid reports whether t is one of the known action types.
func (t Type) Valid() bool {
	switch t {
	case ToolCall, APICall, NetworkRequest, DatabaseQuery, FileRead, FileWrite, MemoryRead, MemoryWrite:
		return true
	default:
		return false
	}
}

// Request is what an agent proposes to do.
type Request struct {
	ActionID     string                 `json:"action_id"`
	AgentID      string                 `json:"agent_id"`
	ActionType   Type                   `json:"action_type"`
	Target       string                 `json:"target"`
	Parameters   map[string]interface{} `json:"parameters"`
	DeclaredGoal string                 `json:"declared_goal"`
	Timestamp    time.Time              `json:"timestamp"`
	Context      map[string]interface{} `json:"context"`
}

// entropy backs ULID generation. ULIDs are monotonic within a process,
// which keeps audit log ordering consistent with action_id ordering
// without needing a database sequence.
var entropy = ulid.Monotonic(rand.Reader, 0)

// NewRequest validates and fills in a Request, assigning ActionID and
// Timestamp when absent. It returns an error only for the programmer
// errors spec.md §7 calls out (missing required fields) — never for
// anything a Decision should encode instead.
func NewRequest(r Request) (*Request, error) {
	if r.AgentID == "" {
		return nil, fmt.Errorf("action: agent_id is required")
	}
	if !r.ActionType.Valid() {
		return nil, fmt.Errorf("action: invalid action_type %q", r.ActionType)
	}
	if r.Target == "" {
		return nil, fmt.Errorf("action: target is required")
	}

	out := r
	if out.ActionID == "" {
		out.ActionID = ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if out.Parameters == nil {
		out.Parameters = map[string]interface{}{}
	}
	if out.Context == nil {
		out.Context = map[string]interface{}{}
	}
	return &out, nil
}

// CIAAViolations maps a CIAA axis ("C", "I", "A", "Acc") to the reason it
// was violated. An empty map means the action passed every axis checked.
type CIAAViolations map[string]string

// Decision is the verdict returned for a Request.
type Decision struct {
	Allow          bool           `json:"allow"`
	PolicyID       string         `json:"policy_id"`
	Explanation    string         `json:"explanation"`
	CIAAViolations CIAAViolations `json:"ciaa_violations"`
	ActionID       string         `json:"action_id"`
	DecidedAt      time.Time      `json:"decided_at"`
}

// Valid checks the Decision invariants from spec.md §3.
func (d Decision) Valid() bool {
	if !d.Allow {
		return d.PolicyID != "" || len(d.CIAAViolations) > 0
	}
	return len(d.CIAAViolations) == 0
}

// AuditEvent is one entry in the hash-chained audit journal.
type AuditEvent struct {
	Hash           string         `json:"hash"`
	PreviousHash   string         `json:"previous_hash"`
	ActionRequest  Request        `json:"action_request"`
	Decision       Decision       `json:"decision"`
	CIAAEvaluation CIAAViolations `json:"ciaa_evaluation"`
	Timestamp      time.Time      `json:"timestamp"`
}

// GenesisHash is the previous_hash value for the first event in a chain:
// 64 hex zeros.
var GenesisHash = strings.Repeat("0", 64)
