// Package learner implements the asynchronous policy-learning engine: it
// clusters blocked actions, mines them for repeated patterns, and exports
// the result as loadable policy suggestions (spec.md §4.7).
package learner

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/ciaaguard/ciaaguard/internal/action"
)

var featureSensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)key`),
	regexp.MustCompile(`(?i)credit.?card`),
	regexp.MustCompile(`(?i)ssn`),
	regexp.MustCompile(`\d{3}[-.]?\d{2}[-.]?\d{4}`),
}

var featureLocalMarkers = []string{"localhost", "127.0.0.1", "internal", "192.168", "10."}

// Features is the generic bag of action-type-specific signals extracted
// for clustering and suggested-policy construction. Only the fields
// relevant to the action's type are populated — callers should not assume
// every field is present.
type Features map[string]interface{}

// Extract dispatches to the per-action-type extractor, mirroring the
// original learner's feature_extractors table. Action types without a
// dedicated extractor (memory_read/memory_write) return an empty set of
// features — they still cluster and mine by action_type/target/policy_id
// alone.
func Extract(req *action.Request) Features {
	switch req.ActionType {
	case action.ToolCall:
		return extractToolFeatures(req)
	case action.APICall:
		return extractAPIFeatures(req)
	case action.NetworkRequest:
		return extractNetworkFeatures(req)
	case action.DatabaseQuery:
		return extractDBFeatures(req)
	case action.FileWrite, action.FileRead:
		return extractFileFeatures(req)
	default:
		return Features{}
	}
}

// hasExtractor reports whether typ is one of the types in the original
// learner's feature_extractors table (which omits file_read as well as
// memory_read/memory_write, even though Extract has a file_read case).
func hasExtractor(typ action.Type) bool {
	switch typ {
	case action.ToolCall, action.APICall, action.NetworkRequest, action.DatabaseQuery, action.FileWrite:
		return true
	default:
		return false
	}
}

func extractToolFeatures(req *action.Request) Features {
	keys := make([]string, 0, len(req.Parameters))
	hasExternal := false
	for k, v := range req.Parameters {
		keys = append(keys, k)
		s := strings.ToLower(toStringValue(v))
		if strings.Contains(s, "http") || strings.Contains(s, "api") {
			hasExternal = true
		}
	}
	sort.Strings(keys)

	paramsJSON, _ := json.Marshal(req.Parameters)
	paramStr := strings.ToLower(string(paramsJSON))
	hasSensitive := false
	for _, pat := range featureSensitivePatterns {
		if pat.MatchString(paramStr) {
			hasSensitive = true
			break
		}
	}

	return Features{
		"tool_name":     req.Target,
		"param_count":   len(req.Parameters),
		"param_keys":    keys,
		"has_external":  hasExternal,
		"has_sensitive": hasSensitive,
	}
}

func extractAPIFeatures(req *action.Request) Features {
	f := Features{
		"api_endpoint": req.Target,
		"param_count":  len(req.Parameters),
	}
	if urlVal, ok := req.Parameters["url"]; ok {
		url := strings.ToLower(toStringValue(urlVal))
		f["is_external"] = !containsAny(url, featureLocalMarkers)
	}
	return f
}

func extractNetworkFeatures(req *action.Request) Features {
	f := Features{
		"destination": req.Target,
		"has_data":    false,
	}
	if dataVal, ok := req.Parameters["data"]; ok {
		f["has_data"] = true
		dataStr := toStringValue(dataVal)
		f["data_size"] = len(dataStr)
		f["data_has_json"] = strings.ContainsAny(dataStr, "{[")
	}
	return f
}

func extractDBFeatures(req *action.Request) Features {
	target := req.Target
	upper := strings.ToUpper(target)
	return Features{
		"query_type":      classifyQuery(target),
		"has_where":       strings.Contains(upper, "WHERE"),
		"has_join":        strings.Contains(upper, "JOIN"),
		"sensitive_table": containsAny(strings.ToLower(target), []string{"users", "customers", "payments", "credentials"}),
	}
}

func extractFileFeatures(req *action.Request) Features {
	f := Features{
		"operation":      string(req.ActionType),
		"filename":       req.Target,
		"is_system_path": containsAny(req.Target, []string{"/etc/", "/bin/", "/usr/", "/system/"}),
	}
	if idx := strings.LastIndex(req.Target, "."); idx >= 0 && idx < len(req.Target)-1 {
		ext := strings.ToLower(req.Target[idx+1:])
		f["extension"] = ext
		f["is_executable"] = containsAny(ext, []string{"exe", "sh", "bat", "py", "js"})
	}
	return f
}

func classifyQuery(query string) string {
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "SELECT"):
		return "SELECT"
	case strings.HasPrefix(upper, "INSERT"):
		return "INSERT"
	case strings.HasPrefix(upper, "UPDATE"):
		return "UPDATE"
	case strings.HasPrefix(upper, "DELETE"):
		return "DELETE"
	case strings.HasPrefix(upper, "DROP"):
		return "DROP"
	case strings.HasPrefix(upper, "CREATE"):
		return "CREATE"
	default:
		return "OTHER"
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func toStringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
