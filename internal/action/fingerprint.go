package action

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes the decision-cache key for a Request: agent_id |
// action_type | target | canonical_hash(parameters), per spec.md §4.1 step
// 2. xxhash is a fast, non-cryptographic hash — appropriate here because a
// cache key only needs collision resistance against accidental aliasing,
// not an adversary (the audit chain, which does need that, uses SHA-256
// instead; see internal/audit).
func Fingerprint(r *Request) string {
	paramJSON, err := CanonicalJSON(r.Parameters)
	if err != nil {
		// Parameters that can't canonicalize (NaN/Inf) still need a usable
		// fingerprint; fall back to a value that can never collide with a
		// real canonicalization so such requests simply never cache-hit.
		paramJSON = fmt.Sprintf("!uncanonicalizable:%p", r)
	}
	paramHash := xxhash.Sum64String(paramJSON)

	return fmt.Sprintf("%s|%s|%s|%016x", r.AgentID, r.ActionType, r.Target, paramHash)
}
