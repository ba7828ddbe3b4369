// Package validation collects per-field input errors so handlers can reject a
// request with every problem at once.
package validation

import (
	"fmt"
	"sort"
	"strings"
)

// Error carries field name to message pairs.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records msg for field. The first message for a field wins.
func (e *Error) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// Err returns e when any field failed, nil otherwise.
func (e *Error) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Body is the JSON rendering used for 422 responses.
type Body struct {
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors"`
}

func (e *Error) Body() Body {
	return Body{Message: "validation failed", Errors: e.Fields}
}

// Required records a message when s is blank.
func (e *Error) Required(field, s string) {
	if strings.TrimSpace(s) == "" {
		e.Add(field, "is required")
	}
}

// NonEmptyStrings records a message when any entry of list is blank.
func (e *Error) NonEmptyStrings(field string, list []string) {
	for i, s := range list {
		if strings.TrimSpace(s) == "" {
			e.Add(field, fmt.Sprintf("entry %d must be a non-empty string", i))
			return
		}
	}
}
