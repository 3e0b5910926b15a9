package action

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON renders v as a deterministic JSON string: object keys are
// sorted, numbers use a single format, and NaN/Inf are rejected. Two
// implementations of this function in different languages must produce
// byte-identical output for the same logical value, since the audit hash
// chain and the decision-cache fingerprint both depend on it (spec.md §9).
func CanonicalJSON(v interface{}) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

// MustCanonicalJSON is CanonicalJSON but panics on error. It is only used
// internally where the input is known-good (e.g. our own struct values).
func MustCanonicalJSON(v interface{}) string {
	s, err := CanonicalJSON(v)
	if err != nil {
		panic(err)
	}
	return s
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeCanonicalString(b, val)
	case float64:
		return writeCanonicalNumber(b, val)
	case float32:
		return writeCanonicalNumber(b, float64(val))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case map[string]interface{}:
		return writeCanonicalObject(b, val)
	case []interface{}:
		return writeCanonicalArray(b, val)
	case []string:
		arr := make([]interface{}, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return writeCanonicalArray(b, arr)
	default:
		return canonicalReflect(b, v)
	}
	return nil
}

func writeCanonicalNumber(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical json: number is NaN or Inf")
	}
	// A single, stable number format: shortest round-trip representation.
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func writeCanonicalString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func writeCanonicalObject(b *strings.Builder, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonicalString(b, k)
		b.WriteByte(':')
		if err := writeCanonical(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// canonicalReflect handles any value that isn't already one of the plain
// JSON-ish Go types above (structs, typed maps, pointers, time.Time, …) by
// round-tripping it through encoding/json's own struct-tag-aware encoder
// and re-canonicalizing the resulting generic value. This keeps struct
// field ordering/tagging rules in one place (the `json:"..."` tags already
// on action.Request/Decision/AuditEvent) instead of duplicating them here.
func canonicalReflect(b *strings.Builder, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("canonical json: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("canonical json: %w", err)
	}
	return writeCanonical(b, generic)
}

func writeCanonicalArray(b *strings.Builder, arr []interface{}) error {
	b.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeCanonical(b, v); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}
