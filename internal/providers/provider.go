package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message roles accepted by completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat completion prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries the provider-reported token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of one successful provider call.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Completer is the outbound LLM collaborator: a single synchronous call,
// no retries. Retry policy, if any, belongs to the caller of the service,
// not to this interface.
type Completer interface {
	Name() string
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// UpstreamError reports a failed provider call. It is fatal to the request
// that triggered it and is surfaced to the caller after the trace is closed.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString("upstream ")
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(" ")
	}
	b.WriteString("call failed")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline or cancellation, so
// callers can answer with a gateway-timeout status instead of a bad-gateway.
func (e *UpstreamError) Timeout() bool {
	if e == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "deadline exceeded") ||
		strings.Contains(strings.ToLower(e.Message), "timeout")
}
