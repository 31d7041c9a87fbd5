package config

import (
	"fmt"
	"sort"
	"strings"
)

// FieldProblem is one invalid configuration key.
type FieldProblem struct {
	Key     string
	Message string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Problems []FieldProblem
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Problems) > 0
}

// Keys lists the offending keys in sorted order.
func (e *ValidationErrors) Keys() []string {
	keys := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		keys = append(keys, p.Key)
	}
	sort.Strings(keys)
	return keys
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, p := range e.Problems {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", p.Key, p.Message))
	}
	return sb.String()
}

func (e *ValidationErrors) add(key, msg string) {
	e.Problems = append(e.Problems, FieldProblem{Key: key, Message: msg})
}
