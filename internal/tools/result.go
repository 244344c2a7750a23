package tools

import "fmt"

// MaxOutputChars caps what a single tool result feeds back to the LLM.
const MaxOutputChars = 30_000

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content sent to the LLM
	IsError bool   `json:"is_error"` // marks error
	Err     error  `json:"-"`        // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func Errorf(format string, args ...any) *Result {
	return ErrorResult(fmt.Sprintf(format, args...))
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// TruncateOutput keeps the head and tail of oversized output with an
// elision marker, so line-oriented results stay useful at both ends.
func TruncateOutput(s string) string {
	if len(s) <= MaxOutputChars {
		return s
	}
	head := MaxOutputChars * 2 / 3
	tail := MaxOutputChars - head
	return s[:head] +
		fmt.Sprintf("\n... [%d chars elided] ...\n", len(s)-MaxOutputChars) +
		s[len(s)-tail:]
}
