package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/dchu3/base-mcp-bot/internal/mcp"
)

// functionSeparator joins server and tool into one model-visible function
// name, e.g. "dexscreener__searchPairs".
const functionSeparator = "__"

// FunctionName returns the namespaced function name exposed to the model for
// a tool.
func FunctionName(server, tool string) string {
	return server + functionSeparator + tool
}

// splitFunctionName recovers (server, tool) from a namespaced function name.
func splitFunctionName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, functionSeparator)
	return server, tool, ok && server != "" && tool != ""
}

// OpenAIBridge implements Bridge on the OpenAI chat-completions API with
// native function calling.
type OpenAIBridge struct {
	client    *openai.Client
	model     string
	validator *Validator
	logger    *slog.Logger
}

// NewOpenAIBridge builds a bridge for the given API key and model.
func NewOpenAIBridge(apiKey, model string, logger *slog.Logger) *OpenAIBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIBridge{
		client:    openai.NewClient(apiKey),
		model:     model,
		validator: &Validator{},
		logger:    logger.With("component", "llm"),
	}
}

// Propose submits the transcript and tool declarations and decodes the reply
// into a Plan. Tool calls take precedence when the model emits both calls
// and prose; the prose is kept for logging only.
func (b *OpenAIBridge) Propose(ctx context.Context, req *Request) (*Plan, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    b.encodeMessages(req),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if !req.DisableTools {
		chatReq.Tools = encodeTools(req.Tools)
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrModelUnavailable)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, ErrModelRefused
	}

	if len(choice.Message.ToolCalls) == 0 {
		return &Plan{Final: choice.Message.Content}, nil
	}

	if choice.Message.Content != "" {
		b.logger.Debug("discarding prose alongside tool calls", "text", choice.Message.Content)
	}

	calls, err := b.decodeToolCalls(choice.Message.ToolCalls, req.Tools)
	if err != nil {
		return nil, err
	}
	return &Plan{ToolCalls: calls}, nil
}

func (b *OpenAIBridge) encodeMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch {
		case len(msg.ToolCalls) > 0:
			assistant := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      FunctionName(tc.Server, tc.Tool),
						Arguments: string(tc.Params),
					},
				})
			}
			out = append(out, assistant)
		case len(msg.ToolResults) > 0:
			// One wire message per result; ordering follows the transcript.
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: tr.CallID,
					Content:    tr.Content,
				})
			}
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return out
}

func encodeTools(specs []mcp.ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		var params any
		if len(spec.InputSchema) > 0 {
			params = json.RawMessage(spec.InputSchema)
		} else {
			params = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        FunctionName(spec.Server, spec.Name),
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// decodeToolCalls maps model tool calls back to catalog entries and validates
// their parameters against the declared schemas.
func (b *OpenAIBridge) decodeToolCalls(raw []openai.ToolCall, specs []mcp.ToolSpec) ([]ToolCall, error) {
	index := make(map[string]mcp.ToolSpec, len(specs))
	for _, spec := range specs {
		index[FunctionName(spec.Server, spec.Name)] = spec
	}

	calls := make([]ToolCall, 0, len(raw))
	for i, tc := range raw {
		if tc.Type != openai.ToolTypeFunction {
			return nil, &MalformedPlanError{CallIndex: i, Function: tc.Function.Name,
				Reason: fmt.Sprintf("unsupported call type %q", tc.Type)}
		}

		server, tool, ok := splitFunctionName(tc.Function.Name)
		if !ok {
			return nil, &MalformedPlanError{CallIndex: i, Function: tc.Function.Name,
				Reason: "function name is not server__tool"}
		}

		spec, known := index[tc.Function.Name]
		if !known {
			return nil, &MalformedPlanError{CallIndex: i, Function: tc.Function.Name,
				Reason: "function is not in the exposed catalog"}
		}

		params := json.RawMessage(tc.Function.Arguments)
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		if err := b.validator.Validate(spec, params); err != nil {
			return nil, &MalformedPlanError{CallIndex: i, Function: tc.Function.Name,
				Reason: err.Error()}
		}

		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		calls = append(calls, ToolCall{ID: id, Server: server, Tool: tool, Params: params})
	}
	return calls, nil
}

// classifyAPIError folds SDK errors into the bridge taxonomy.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusBadRequest:
			if strings.Contains(strings.ToLower(apiErr.Message), "content") {
				return fmt.Errorf("%w: %s", ErrModelRefused, apiErr.Message)
			}
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrModelRefused, apiErr.Message)
		}
		return fmt.Errorf("%w: %s", ErrModelUnavailable, apiErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
}
