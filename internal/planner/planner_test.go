package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dchu3/base-mcp-bot/internal/llm"
	"github.com/dchu3/base-mcp-bot/internal/mcp"
)

// scriptedBridge replays a fixed sequence of plans, then keeps returning the
// last entry.
type scriptedBridge struct {
	mu       sync.Mutex
	script   []func(*llm.Request) (*llm.Plan, error)
	requests []*llm.Request
}

func (b *scriptedBridge) Propose(_ context.Context, req *llm.Request) (*llm.Plan, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	i := len(b.requests) - 1
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	return b.script[i](req)
}

func planFinal(text string) func(*llm.Request) (*llm.Plan, error) {
	return func(*llm.Request) (*llm.Plan, error) { return &llm.Plan{Final: text}, nil }
}

func planCalls(calls ...llm.ToolCall) func(*llm.Request) (*llm.Plan, error) {
	return func(*llm.Request) (*llm.Plan, error) { return &llm.Plan{ToolCalls: calls}, nil }
}

func planErr(err error) func(*llm.Request) (*llm.Plan, error) {
	return func(*llm.Request) (*llm.Plan, error) { return nil, err }
}

// fakeDispatcher answers calls from a handler function.
type fakeDispatcher struct {
	catalog []mcp.ToolSpec
	handler func(server, tool string, params json.RawMessage) (json.RawMessage, error)
	calls   atomic.Int64
}

func (d *fakeDispatcher) ListAllTools() []mcp.ToolSpec { return d.catalog }

func (d *fakeDispatcher) Call(_ context.Context, server, tool string, params json.RawMessage, _ time.Duration) (json.RawMessage, error) {
	d.calls.Add(1)
	return d.handler(server, tool, params)
}

func call(id, server, tool string) llm.ToolCall {
	return llm.ToolCall{ID: id, Server: server, Tool: tool, Params: json.RawMessage(`{}`)}
}

func okDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		handler: func(server, tool string, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(fmt.Sprintf(`{"from":"%s/%s"}`, server, tool)), nil
		},
	}
}

func TestHappyPathTwoIterations(t *testing.T) {
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planCalls(call("c1", "dex", "search")),
		planFinal("TKN is trading at $0.50"),
	}}
	disp := okDispatcher()

	p := New(bridge, disp, Budgets{}, nil, nil)
	res := p.Run(context.Background(), nil, "price of TKN?")

	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.Text != "TKN is trading at $0.50" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Iterations != 2 || res.ToolCallsMade != 1 {
		t.Errorf("iterations=%d calls=%d, want 2/1", res.Iterations, res.ToolCallsMade)
	}

	// Second request must carry the tool result back to the model.
	second := bridge.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if len(last.ToolResults) != 1 || last.ToolResults[0].CallID != "c1" {
		t.Errorf("tool result not transcribed: %+v", last)
	}
}

func TestParallelFanOutIsolatesFailures(t *testing.T) {
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planCalls(
			call("c1", "dex", "search"),
			call("c2", "dex", "boosted"),
			call("c3", "dex", "profile"),
		),
		planFinal("done"),
	}}
	disp := &fakeDispatcher{
		handler: func(_, tool string, _ json.RawMessage) (json.RawMessage, error) {
			if tool == "boosted" {
				return nil, &mcp.CallError{Kind: mcp.KindCallTimeout, Server: "dex", Tool: tool, Message: "deadline"}
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	}

	p := New(bridge, disp, Budgets{}, nil, nil)
	res := p.Run(context.Background(), nil, "scan the market")

	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.ToolCallsMade != 3 {
		t.Errorf("tool calls = %d, want 3", res.ToolCallsMade)
	}

	results := bridge.requests[1].Messages
	last := results[len(results)-1]
	if len(last.ToolResults) != 3 {
		t.Fatalf("expected 3 tool results, got %d", len(last.ToolResults))
	}
	// Transcript order follows the model's order, not completion order.
	wantIDs := []string{"c1", "c2", "c3"}
	for i, tr := range last.ToolResults {
		if tr.CallID != wantIDs[i] {
			t.Errorf("result %d: call id %s, want %s", i, tr.CallID, wantIDs[i])
		}
	}
	if !last.ToolResults[1].IsError || !strings.Contains(last.ToolResults[1].Content, string(mcp.KindCallTimeout)) {
		t.Errorf("failure not transcribed as structured error: %+v", last.ToolResults[1])
	}
	if last.ToolResults[0].IsError || last.ToolResults[2].IsError {
		t.Error("one failed call masked its siblings")
	}
}

func TestIterationBudgetExhaustionSynthesizes(t *testing.T) {
	// The model keeps asking for tools forever.
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		func(req *llm.Request) (*llm.Plan, error) {
			if req.DisableTools {
				return &llm.Plan{Final: "best guess from what I saw"}, nil
			}
			return &llm.Plan{ToolCalls: []llm.ToolCall{call("c", "dex", "search")}}, nil
		},
	}}
	disp := okDispatcher()

	p := New(bridge, disp, Budgets{MaxIterations: 3}, nil, nil)
	res := p.Run(context.Background(), nil, "dig deeper")

	if res.State != StateBudgetExhausted {
		t.Fatalf("state = %s, want budget_exhausted", res.State)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if res.Text != "best guess from what I saw" {
		t.Errorf("synthesis text = %q", res.Text)
	}

	// The synthesis request must withhold tools.
	final := bridge.requests[len(bridge.requests)-1]
	if !final.DisableTools {
		t.Error("synthesis request did not disable tools")
	}
}

func TestToolCallBudgetDeniesExcessCalls(t *testing.T) {
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planCalls(
			call("c1", "dex", "search"),
			call("c2", "dex", "search"),
			call("c3", "dex", "search"),
		),
		func(req *llm.Request) (*llm.Plan, error) {
			return &llm.Plan{Final: "summary"}, nil
		},
	}}
	disp := okDispatcher()

	p := New(bridge, disp, Budgets{MaxToolCalls: 2}, nil, nil)
	res := p.Run(context.Background(), nil, "triple lookup")

	if res.State != StateBudgetExhausted {
		t.Fatalf("state = %s, want budget_exhausted", res.State)
	}
	if res.ToolCallsMade != 2 {
		t.Errorf("tool calls made = %d, want 2", res.ToolCallsMade)
	}
	if got := disp.calls.Load(); got != 2 {
		t.Errorf("dispatched %d calls, want 2", got)
	}

	// All three calls get transcript entries; the third is a denial.
	var toolMsg *llm.Message
	for i := range bridge.requests[1].Messages {
		if len(bridge.requests[1].Messages[i].ToolResults) > 0 {
			toolMsg = &bridge.requests[1].Messages[i]
		}
	}
	if toolMsg == nil || len(toolMsg.ToolResults) != 3 {
		t.Fatalf("expected 3 tool results in transcript")
	}
	denied := toolMsg.ToolResults[2]
	if !denied.IsError || !strings.Contains(denied.Content, kindBudgetExceeded) {
		t.Errorf("denied call not reported as BudgetExceeded: %+v", denied)
	}
}

func TestWallClockTimeoutSynthesizes(t *testing.T) {
	release := make(chan struct{})
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planCalls(call("c1", "dex", "slow")),
		func(req *llm.Request) (*llm.Plan, error) {
			if req.DisableTools {
				return &llm.Plan{Final: "partial answer"}, nil
			}
			return &llm.Plan{ToolCalls: []llm.ToolCall{call("c2", "dex", "slow")}}, nil
		},
	}}
	disp := &fakeDispatcher{
		handler: func(_, _ string, _ json.RawMessage) (json.RawMessage, error) {
			<-release
			return nil, &mcp.CallError{Kind: mcp.KindCallTimeout, Server: "dex", Tool: "slow", Message: "deadline"}
		},
	}
	t.Cleanup(func() { close(release) })

	go func() {
		time.Sleep(50 * time.Millisecond)
		release <- struct{}{}
	}()

	p := New(bridge, disp, Budgets{WallClock: 20 * time.Millisecond}, nil, nil)
	res := p.Run(context.Background(), nil, "slow question")

	if res.State != StateTimedOut {
		t.Fatalf("state = %s, want timed_out", res.State)
	}
	if res.Text != "partial answer" {
		t.Errorf("synthesis text = %q", res.Text)
	}
}

func TestBridgeErrorRetriedOnceThenAborts(t *testing.T) {
	attempts := 0
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		func(req *llm.Request) (*llm.Plan, error) {
			if req.DisableTools {
				return nil, llm.ErrModelUnavailable
			}
			attempts++
			return nil, llm.ErrModelUnavailable
		},
	}}

	p := New(bridge, okDispatcher(), Budgets{}, nil, nil)
	res := p.Run(context.Background(), nil, "hello")

	if res.State != StateAborted {
		t.Fatalf("state = %s, want aborted", res.State)
	}
	if attempts != 2 {
		t.Errorf("bridge attempts = %d, want 2 (one retry)", attempts)
	}
	if res.Text != fallbackText {
		t.Errorf("text = %q, want fixed fallback", res.Text)
	}
}

func TestMalformedPlanSelfCorrectsOnce(t *testing.T) {
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planErr(&llm.MalformedPlanError{CallIndex: 0, Function: "dex__search", Reason: "missing required field q"}),
		planFinal("fixed it"),
	}}

	p := New(bridge, okDispatcher(), Budgets{}, nil, nil)
	res := p.Run(context.Background(), nil, "search something")

	if res.State != StateDone || res.Text != "fixed it" {
		t.Fatalf("state=%s text=%q, want done/fixed it", res.State, res.Text)
	}

	// The correction note must be in the second request's transcript.
	second := bridge.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "missing required field q") {
		t.Errorf("correction note missing: %q", last.Content)
	}
}

func TestSecondMalformedPlanAborts(t *testing.T) {
	malformed := planErr(&llm.MalformedPlanError{CallIndex: -1, Reason: "undecodable"})
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		malformed,
		malformed,
		planFinal("unused"),
	}}

	p := New(bridge, okDispatcher(), Budgets{}, nil, nil)
	res := p.Run(context.Background(), nil, "search")

	if res.State != StateAborted {
		t.Fatalf("state = %s, want aborted", res.State)
	}
}

func TestEmptyPlanIsImplicitFinal(t *testing.T) {
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planFinal(""),
	}}

	p := New(bridge, okDispatcher(), Budgets{}, nil, nil)
	res := p.Run(context.Background(), nil, "say nothing")

	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.Text != placeholderText {
		t.Errorf("text = %q, want placeholder", res.Text)
	}
}

func TestHistoryPrefixedOldestFirst(t *testing.T) {
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planFinal("ok"),
	}}
	history := []llm.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}

	p := New(bridge, okDispatcher(), Budgets{}, nil, nil)
	p.Run(context.Background(), history, "follow-up")

	msgs := bridge.requests[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("expected 3 transcript messages, got %d", len(msgs))
	}
	if msgs[0].Content != "earlier question" || msgs[2].Content != "follow-up" {
		t.Errorf("history not prefixed oldest-first: %+v", msgs)
	}
}

func TestEntitiesExtractedFromResults(t *testing.T) {
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planCalls(call("c1", "dex", "search")),
		planFinal("found it"),
	}}
	addr := "0x" + strings.Repeat("ab", 20)
	disp := &fakeDispatcher{
		handler: func(_, _ string, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(fmt.Sprintf(
				`{"pairs":[{"chainId":"base","baseToken":{"address":"%s","symbol":"TKN","name":"Token"}}]}`, addr)), nil
		},
	}

	p := New(bridge, disp, Budgets{}, ExtractTokens, nil)
	res := p.Run(context.Background(), nil, "find TKN")

	if len(res.Entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(res.Entities))
	}
	if res.Entities[0].Symbol != "TKN" || res.Entities[0].Address != addr {
		t.Errorf("entity = %+v", res.Entities[0])
	}
}

func TestRefusalRetriedOnceThenAborts(t *testing.T) {
	attempts := 0
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		func(req *llm.Request) (*llm.Plan, error) {
			if !req.DisableTools {
				attempts++
			}
			return nil, llm.ErrModelRefused
		},
	}}

	p := New(bridge, okDispatcher(), Budgets{}, nil, nil)
	res := p.Run(context.Background(), nil, "do something blocked")

	if res.State != StateAborted {
		t.Fatalf("state = %s, want aborted", res.State)
	}
	if attempts != 2 {
		t.Errorf("bridge attempts = %d, want 2 (one retry)", attempts)
	}
	if res.Text != fallbackText {
		t.Errorf("text = %q, want fixed fallback", res.Text)
	}
}

func TestRefusalRecoversOnRetry(t *testing.T) {
	bridge := &scriptedBridge{script: []func(*llm.Request) (*llm.Plan, error){
		planErr(llm.ErrModelRefused),
		planFinal("reconsidered"),
	}}

	p := New(bridge, okDispatcher(), Budgets{}, nil, nil)
	res := p.Run(context.Background(), nil, "borderline question")

	if res.State != StateDone || res.Text != "reconsidered" {
		t.Fatalf("state=%s text=%q, want done/reconsidered", res.State, res.Text)
	}
}
