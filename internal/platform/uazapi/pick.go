package uazapi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PickString walks a decoded JSON tree and returns the first non-empty value
// stored under any of keys (case-insensitive). Keys on a level are checked
// before descending, and map keys are visited in sorted order so the result
// is deterministic.
func PickString(node any, keys ...string) string {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	return pick(node, want)
}

func pick(node any, want map[string]struct{}) string {
	switch t := node.(type) {
	case map[string]any:
		names := make([]string, 0, len(t))
		for k := range t {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if _, ok := want[strings.ToLower(strings.TrimSpace(k))]; ok {
				if s := anyToString(t[k]); s != "" {
					return s
				}
			}
		}
		for _, k := range names {
			if s := pick(t[k], want); s != "" {
				return s
			}
		}
	case []any:
		for _, v := range t {
			if s := pick(v, want); s != "" {
				return s
			}
		}
	}
	return ""
}

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
