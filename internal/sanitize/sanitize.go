// Package sanitize implements the Response Sanitizer (spec §4.6): a deep
// structural walk over any handler result that redacts credential-shaped
// strings before they reach the agent or a log sink. The walk style
// mirrors the teacher's SanitizeAssistantContent (internal/agent/sanitize.go)
// — a sequence of named passes applied to string leaves — adapted here
// from text cleanup to credential redaction, and from a single string to
// an arbitrary JSON value tree.
package sanitize

import (
	"fmt"
	"regexp"
)

// Redacted is the placeholder every matched leaf is replaced with.
const Redacted = "[REDACTED]"

// patterns is the fixed list from spec §4.6. Order doesn't matter — each
// is tried independently, and a single match replaces the whole leaf.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
	regexp.MustCompile(`\bghp_[a-zA-Z0-9]+`),
	regexp.MustCompile(`\bgho_[a-zA-Z0-9]+`),
	regexp.MustCompile(`\bgithub_pat_[a-zA-Z0-9_]+`),
	regexp.MustCompile(`\bsk-[a-zA-Z0-9]+`),
	regexp.MustCompile(`\bsk_live_[a-zA-Z0-9]+`),
	regexp.MustCompile(`\bpk_test_[a-zA-Z0-9]+`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\bpostgres://[^\s"']+`),
	regexp.MustCompile(`(?i)\bmysql://[^\s"']+`),
	regexp.MustCompile(`(?i)\bmongodb(\+srv)?://[^\s"']+`),
	regexp.MustCompile(`(?i)\bredis://[^\s"']+`),
	regexp.MustCompile(`(?i)x-api-key:\s*\S+`),
	regexp.MustCompile(`(?i)\bapi_key=\S+`),
	regexp.MustCompile(`(?i)\bapikey=\S+`),
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*KEY-----.*?-----END [A-Z ]*KEY-----`),
}

// Path records a JSON-pointer-like location where redaction occurred, for
// audit logging. Never carries the redacted value itself.
type Path string

// Value sanitizes v, returning the sanitized copy and the list of paths
// where a pattern matched. Arrays and objects are copied structurally;
// scalars are returned unchanged unless a pattern matched a string leaf.
func Value(v any) (any, []Path) {
	var paths []Path
	out := walk(v, "", &paths)
	return out, paths
}

func walk(v any, path string, paths *[]Path) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = walk(child, path+"/"+k, paths)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = walk(child, fmt.Sprintf("%s/%d", path, i), paths)
		}
		return out
	case string:
		if redacted, matched := redactString(t); matched {
			*paths = append(*paths, Path(path))
			return redacted
		}
		return t
	default:
		return v
	}
}

func redactString(s string) (string, bool) {
	for _, p := range patterns {
		if p.MatchString(s) {
			return Redacted, true
		}
	}
	return s, false
}
