package logctx

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

const (
	defaultMaxDepth  = 8
	defaultMaxLength = 100
	maxItems         = 10
)

// Truncate returns a copy of a decoded JSON value bounded for logging: at
// most maxDepth levels, ten entries per object or array, and strings of at
// most maxLength runes. Object keys are kept in sorted order so the output is
// stable.
func Truncate(v any, maxDepth, maxLength int) any {
	if maxDepth < 0 {
		return "[Max Depth Reached]"
	}
	switch x := v.(type) {
	case string:
		return truncateString(x, maxLength)
	case []any:
		n := len(x)
		if n > maxItems {
			n = maxItems
		}
		out := make([]any, 0, n)
		for _, item := range x[:n] {
			out = append(out, Truncate(item, maxDepth-1, maxLength))
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, maxItems+1)
		for _, k := range keys {
			if len(out) >= maxItems {
				out["..."] = "[Truncated]"
				break
			}
			out[k] = Truncate(x[k], maxDepth-1, maxLength)
		}
		return out
	default:
		return v
	}
}

func truncateString(s string, maxLength int) string {
	if utf8.RuneCountInString(s) <= maxLength {
		return s
	}
	r := []rune(s)
	return string(r[:maxLength]) + "... [truncated]"
}

// SafeJSON renders an encoded JSON payload for debug output, bounded by
// Truncate. It never fails; undecodable input is reported inline.
func SafeJSON(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Sprintf("[Unable to stringify: %v]", err)
	}
	b, err := json.MarshalIndent(Truncate(v, defaultMaxDepth, defaultMaxLength), "", "  ")
	if err != nil {
		return fmt.Sprintf("[Unable to stringify: %v]", err)
	}
	return string(b)
}
