// Package planner turns a single user utterance into a final assistant
// response by iteratively consulting the model and executing the tool calls
// it requests.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dchu3/base-mcp-bot/internal/llm"
	"github.com/dchu3/base-mcp-bot/internal/mcp"
	"github.com/dchu3/base-mcp-bot/internal/metrics"
)

// TerminalState is how a run ended.
type TerminalState string

const (
	StateDone            TerminalState = "done"
	StateTimedOut        TerminalState = "timed_out"
	StateBudgetExhausted TerminalState = "budget_exhausted"
	StateAborted         TerminalState = "aborted"
)

// Budget error kind reported to the model when a tool-call request is denied.
const kindBudgetExceeded = "BudgetExceeded"

const (
	// placeholderText covers the model returning neither calls nor text.
	placeholderText = "I don't have anything to add."

	// fallbackText is the fixed notice when even synthesis fails.
	fallbackText = "Sorry, I wasn't able to finish working on that. Please try again."

	synthesisTimeout = 15 * time.Second
)

// systemPrompt frames the model's role and the tool-result conventions.
const systemPrompt = `You are a crypto research assistant for tokens on the Base chain.
You can call the provided tools to look up live market data. Call tools when
the user's question needs fresh data; answer directly when it does not.
Tool results arrive as JSON. A failed call arrives as {"error":{"kind","message"}};
do not treat it as data, either try a different tool or explain the failure.
Large result lists may be truncated and marked with "_truncated": true.
Keep answers concise and grounded in the tool results.`

// Budgets bounds one run. All three limits apply simultaneously.
type Budgets struct {
	MaxIterations int
	MaxToolCalls  int
	WallClock     time.Duration
	PerCall       time.Duration
}

func (b Budgets) withDefaults() Budgets {
	if b.MaxIterations <= 0 {
		b.MaxIterations = 8
	}
	if b.MaxToolCalls <= 0 {
		b.MaxToolCalls = 30
	}
	if b.WallClock <= 0 {
		b.WallClock = 90 * time.Second
	}
	if b.PerCall <= 0 {
		b.PerCall = 30 * time.Second
	}
	return b
}

// Dispatcher is the tool surface the planner drives. *mcp.Manager satisfies
// it.
type Dispatcher interface {
	ListAllTools() []mcp.ToolSpec
	Call(ctx context.Context, server, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Result is the outcome of one run.
type Result struct {
	Text          string
	State         TerminalState
	Iterations    int
	ToolCallsMade int
	Calls         []llm.ToolCall
	Entities      []Entity
}

// Planner owns no per-run state; each Run builds its own transcript and
// counters, so concurrent users never share anything.
type Planner struct {
	bridge  llm.Bridge
	tools   Dispatcher
	budgets Budgets
	extract EntityExtractor
	logger  *slog.Logger
}

// New builds a planner. A nil extractor disables entity extraction.
func New(bridge llm.Bridge, tools Dispatcher, budgets Budgets, extract EntityExtractor, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	if extract == nil {
		extract = func(json.RawMessage) []Entity { return nil }
	}
	return &Planner{
		bridge:  bridge,
		tools:   tools,
		budgets: budgets.withDefaults(),
		extract: extract,
		logger:  logger.With("component", "planner"),
	}
}

// run carries the mutable state of a single request.
type run struct {
	transcript []llm.Message
	catalog    []mcp.ToolSpec
	iterations int
	callsMade  int
	calls      []llm.ToolCall
	entities   []Entity
	malformed  bool
}

// Run executes the agentic loop. history is the hydrated prior transcript,
// oldest first; text is the new user utterance. Run never returns an error:
// every failure mode folds into the Result's terminal state and text.
func (p *Planner) Run(ctx context.Context, history []llm.Message, text string) *Result {
	runCtx, cancel := context.WithTimeout(ctx, p.budgets.WallClock)
	defer cancel()

	// Catalog snapshot is immutable for the whole run; servers restarting
	// mid-run do not change what the model sees.
	r := &run{
		catalog:    p.tools.ListAllTools(),
		transcript: append(append([]llm.Message{}, history...), llm.Message{Role: "user", Content: text}),
	}

	state, finalText := p.loop(runCtx, r)

	switch state {
	case StateDone:
	case StateAborted:
		// Partial results are discarded on abort; the user gets the fixed
		// notice, never a half-synthesized answer.
		finalText = fallbackText
	default:
		finalText = p.synthesize(ctx, r)
	}

	metrics.PlannerRuns.WithLabelValues(string(state)).Inc()
	metrics.PlannerIterations.Observe(float64(r.iterations))
	p.logger.Info("run finished",
		"state", state, "iterations", r.iterations, "tool_calls", r.callsMade)

	return &Result{
		Text:          finalText,
		State:         state,
		Iterations:    r.iterations,
		ToolCallsMade: r.callsMade,
		Calls:         r.calls,
		Entities:      r.entities,
	}
}

// loop drives Planning/Executing until a terminal state. It returns the final
// text only for StateDone; other states synthesize afterwards.
func (p *Planner) loop(ctx context.Context, r *run) (TerminalState, string) {
	for r.iterations < p.budgets.MaxIterations {
		if ctx.Err() != nil {
			return StateTimedOut, ""
		}
		r.iterations++

		plan, err := p.propose(ctx, r, false)
		if err != nil {
			var malformed *llm.MalformedPlanError
			if errors.As(err, &malformed) && !r.malformed {
				// Give the model one shot at self-correction.
				r.malformed = true
				r.transcript = append(r.transcript, llm.Message{
					Role: "user",
					Content: fmt.Sprintf(
						"Your previous reply could not be executed (%s). Reply again with valid tool calls or a final answer.",
						malformed.Reason),
				})
				continue
			}
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return StateTimedOut, ""
			}
			p.logger.Warn("planning failed", "error", err)
			return StateAborted, ""
		}

		if plan.IsFinal() {
			if plan.Final == "" {
				return StateDone, placeholderText
			}
			return StateDone, plan.Final
		}

		exhausted := p.execute(ctx, r, plan.ToolCalls)
		if ctx.Err() != nil {
			return StateTimedOut, ""
		}
		if exhausted {
			return StateBudgetExhausted, ""
		}
	}
	return StateBudgetExhausted, ""
}

// propose calls the bridge, retrying once on transient failure.
func (p *Planner) propose(ctx context.Context, r *run, disableTools bool) (*llm.Plan, error) {
	req := &llm.Request{
		System:       systemPrompt,
		Messages:     r.transcript,
		Tools:        r.catalog,
		DisableTools: disableTools,
	}

	plan, err := p.bridge.Propose(ctx, req)
	if err == nil {
		return plan, nil
	}

	var malformed *llm.MalformedPlanError
	if errors.As(err, &malformed) || ctx.Err() != nil {
		return nil, err
	}

	p.logger.Warn("model call failed, retrying once", "error", err)
	return p.bridge.Propose(ctx, req)
}

// outcome pairs one call with its transcribed result, kept at the call's
// original index so transcript order matches the model's order.
type outcome struct {
	content string
	isError bool
	payload json.RawMessage
}

// execute fans the iteration's calls out in parallel, transcribes every
// outcome in model order, and reports whether the tool-call budget ran out.
func (p *Planner) execute(ctx context.Context, r *run, calls []llm.ToolCall) bool {
	remaining := p.budgets.MaxToolCalls - r.callsMade
	allowed := calls
	if len(allowed) > remaining {
		allowed = calls[:remaining]
	}

	outcomes := make([]outcome, len(calls))

	var wg sync.WaitGroup
	for i, call := range allowed {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			payload, err := p.tools.Call(ctx, call.Server, call.Tool, call.Params, p.budgets.PerCall)
			if err != nil {
				outcomes[i] = outcome{content: errorContent(err), isError: true}
				return
			}
			outcomes[i] = outcome{content: string(truncateResult(payload, maxResultItems)), payload: payload}
		}(i, call)
	}
	wg.Wait()

	// Denied calls still get a transcript entry so the model learns why.
	for i := len(allowed); i < len(calls); i++ {
		outcomes[i] = outcome{
			content: errorObject(kindBudgetExceeded, "tool-call budget for this conversation is spent"),
			isError: true,
		}
	}

	r.callsMade += len(allowed)
	r.calls = append(r.calls, allowed...)

	results := make([]llm.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = llm.ToolResult{CallID: call.ID, Content: outcomes[i].content, IsError: outcomes[i].isError}
		if outcomes[i].payload != nil {
			r.entities = mergeEntities(r.entities, p.extract(outcomes[i].payload))
		}
	}

	r.transcript = append(r.transcript,
		llm.Message{Role: "assistant", ToolCalls: calls},
		llm.Message{Role: "tool", ToolResults: results},
	)

	return len(allowed) < len(calls) || r.callsMade >= p.budgets.MaxToolCalls
}

// synthesize asks the model for a terminal answer over whatever the run
// accumulated, with tools withheld. Runs on the parent context since the
// run's wall clock is typically already spent.
func (p *Planner) synthesize(ctx context.Context, r *run) string {
	synthCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), synthesisTimeout)
	defer cancel()

	r.transcript = append(r.transcript, llm.Message{
		Role:    "user",
		Content: "Time is up. Give your best final answer from the information gathered so far. Do not request any more tools.",
	})

	plan, err := p.propose(synthCtx, r, true)
	if err != nil || !plan.IsFinal() || plan.Final == "" {
		if err != nil {
			p.logger.Warn("synthesis failed", "error", err)
		}
		return fallbackText
	}
	return plan.Final
}

// errorContent folds a dispatch error into the structured object convention.
func errorContent(err error) string {
	if callErr, ok := mcp.AsCallError(err); ok {
		return errorObject(string(callErr.Kind), callErr.Message)
	}
	return errorObject(string(mcp.KindServerUnavailable), err.Error())
}

func errorObject(kind, message string) string {
	obj := map[string]map[string]string{
		"error": {"kind": kind, "message": message},
	}
	data, _ := json.Marshal(obj)
	return string(data)
}
