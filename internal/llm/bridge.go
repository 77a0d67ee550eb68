// Package llm adapts planner-level requests onto a generative model and
// decodes the model's reply into a plan: either tool calls or a final answer.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dchu3/base-mcp-bot/internal/mcp"
)

// Bridge errors. No error is retried transparently more than once per
// planner iteration; retry policy belongs to the planner.
var (
	// ErrModelUnavailable covers transport failures, rate limits, and server
	// errors from the model API.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrModelRefused means the model declined to answer (safety block).
	ErrModelRefused = errors.New("model refused request")
)

// MalformedPlanError means the model's reply could not be decoded into
// either plan shape, with the offending call singled out when known.
type MalformedPlanError struct {
	// CallIndex is the position of the offending tool call, -1 if the whole
	// reply was undecodable.
	CallIndex int
	Function  string
	Reason    string
}

func (e *MalformedPlanError) Error() string {
	if e.CallIndex >= 0 {
		return fmt.Sprintf("malformed plan: call %d (%s): %s", e.CallIndex, e.Function, e.Reason)
	}
	return fmt.Sprintf("malformed plan: %s", e.Reason)
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID     string          `json:"id"`
	Server string          `json:"server"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// ToolResult is the outcome of one executed call, fed back to the model as a
// synthetic tool message. Content is a JSON payload on success or a
// {"error":{"kind","message"}} object on failure.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one transcript entry. Role is user, assistant, or tool.
// Assistant messages may carry tool calls; tool messages carry the matching
// results.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is a planner-level request: transcript, exposed catalog subset,
// and generation budget.
type Request struct {
	System      string
	Messages    []Message
	Tools       []mcp.ToolSpec
	MaxTokens   int
	Temperature float32

	// DisableTools omits the tool declarations, forcing a textual answer.
	// Used for best-effort synthesis on exhaustion.
	DisableTools bool
}

// Plan is the discriminated result of one model round-trip. When ToolCalls
// is non-empty the text is discarded for the iteration (kept for logging
// only); otherwise Final carries the terminal answer.
type Plan struct {
	ToolCalls []ToolCall
	Final     string
}

// IsFinal reports whether the plan terminates the loop.
func (p *Plan) IsFinal() bool {
	return len(p.ToolCalls) == 0
}

// Bridge is the only component aware of the model's wire format.
type Bridge interface {
	Propose(ctx context.Context, req *Request) (*Plan, error)
}
