package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseToolArgs decodes a tool-call argument string. Streams cut off
// mid-generation leave truncated JSON behind; rather than failing the
// whole call, a bracket-stack repair pass closes what the model left open
// and the decode is retried once.
func ParseToolArgs(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]interface{}{}, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired := RepairJSON(raw)
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON (even after repair): %s", truncateForError(raw))
	}
	return args, nil
}

// RepairJSON closes unterminated strings, strips a trailing comma or
// dangling key, and closes open brackets in stack order. It never touches
// input that already parses.
func RepairJSON(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	// A string cut off mid-value: drop a trailing half escape, close the
	// quote.
	if inString {
		if escaped {
			s = s[:len(s)-1]
		}
		s += `"`
	}

	// Trailing comma (or a key left without a value) would still fail the
	// decode after closing brackets.
	trimmed := strings.TrimRight(s, " \t\n\r")
	if strings.HasSuffix(trimmed, ",") {
		s = strings.TrimSuffix(trimmed, ",")
	} else if strings.HasSuffix(trimmed, ":") {
		s = trimmed + "null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			s += "}"
		case '[':
			s += "]"
		}
	}
	return s
}

func truncateForError(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
