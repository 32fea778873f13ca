// Package envfile parses dotenv-style key/value text and merges maps from
// multiple sources under a fixed precedence. Unlike godotenv it performs no
// variable expansion and no escape processing: quotes around a value are
// stripped, nothing else is rewritten.
package envfile

import (
	"fmt"
	"sort"
	"strings"
)

// Parse reads line-oriented KEY=value text. Blank lines and lines starting
// with '#' are skipped. A line without '=' or with an empty key is ignored.
// Keys and values are trimmed; a value fully wrapped in matching single or
// double quotes has the quotes stripped.
func Parse(text string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if key == "" {
			continue
		}
		val := strings.TrimSpace(line[eq+1:])
		vars[key] = unquote(val)
	}
	return vars
}

func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Merge overlays override on top of base. Neither input is mutated; the
// result is right-biased on key conflicts.
func Merge(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// Serialize renders a map back to KEY=value lines in sorted key order, so
// persisted environment text is stable across writes.
func Serialize(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s\n", k, vars[k])
	}
	return sb.String()
}

// ToSlice converts a map to the KEY=value form expected by exec.Cmd.Env and
// the container runtime.
func ToSlice(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}
