package tools

import "fmt"

// Result is the unified return type from tool execution. Payload is
// marshalled into the node.invoke.result frame; a non-empty Err makes the
// frame a rejection instead.
type Result struct {
	Payload interface{} `json:"payload,omitempty"` // JSON answer for the agent
	Err     string      `json:"error,omitempty"`   // rejection reason
}

func NewResult(payload interface{}) *Result {
	return &Result{Payload: payload}
}

func ErrorResult(message string) *Result {
	return &Result{Err: message}
}

func Errorf(format string, args ...interface{}) *Result {
	return &Result{Err: fmt.Sprintf(format, args...)}
}

func (r *Result) IsError() bool {
	return r.Err != ""
}
