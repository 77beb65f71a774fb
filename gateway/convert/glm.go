package convert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// glmConverter implements Converter for GLM's near-OpenAI chat-completions
// shape. Two differences from plain OpenAI: a tool whose description is
// missing defaults to its name rather than erroring, and both the response
// and stream deltas carry a reasoning_content field alongside content that
// this gateway surfaces as a distinct thinking block instead of
// concatenating it into the visible text.
type glmConverter struct{}

func (glmConverter) Name() Format { return FormatGLM }

type glmMessage struct {
	Role             string           `json:"role"`
	Name             string           `json:"name,omitempty"`
	Content          json.RawMessage  `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
}

type glmTool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type glmRequest struct {
	Model       string       `json:"model"`
	Messages    []glmMessage `json:"messages"`
	Tools       []glmTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float32     `json:"temperature,omitempty"`
	TopP        *float32     `json:"top_p,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

func (glmConverter) RequestToIR(body []byte) (*Request, error) {
	var req glmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert(glm): request: %w", err)
	}

	ir := &Request{
		Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature,
		TopP: req.TopP, Stop: req.Stop, Stream: req.Stream,
	}

	var pendingToolResults []ContentBlock
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			sys, err := parseOpenAIContent(m.Content)
			if err != nil {
				return nil, err
			}
			ir.System = append(ir.System, sys...)
			continue
		case "tool":
			var text string
			_ = json.Unmarshal(m.Content, &text)
			pendingToolResults = append(pendingToolResults, ContentBlock{Kind: BlockToolResult, ToolResultForID: m.ToolCallID, ToolResultText: text})
			continue
		}

		content, err := parseOpenAIContent(m.Content)
		if err != nil {
			return nil, err
		}
		if m.ReasoningContent != "" {
			content = append([]ContentBlock{{Kind: BlockThinking, Text: m.ReasoningContent}}, content...)
		}
		for _, tc := range m.ToolCalls {
			input, ok := jsonObjectOrEmpty(tc.Function.Arguments)
			content = append(content, ContentBlock{Kind: BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name, ToolInput: input, ToolInputOK: ok})
		}

		role := RoleUser
		if m.Role == "assistant" {
			role = RoleAssistant
		}
		if len(pendingToolResults) > 0 && role == RoleUser {
			content = append(pendingToolResults, content...)
			pendingToolResults = nil
		}
		ir.Messages = append(ir.Messages, Message{Role: role, Name: m.Name, Content: content})
	}
	if len(pendingToolResults) > 0 {
		ir.Messages = append(ir.Messages, Message{Role: RoleUser, Content: pendingToolResults})
	}

	for _, t := range req.Tools {
		desc := t.Function.Description
		if desc == "" {
			desc = t.Function.Name
		}
		ir.Tools = append(ir.Tools, ToolSchema{Name: t.Function.Name, Description: desc, Parameters: t.Function.Parameters})
	}
	return ir, nil
}

func (glmConverter) RequestFromIR(req *Request) ([]byte, error) {
	out := glmRequest{
		Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature,
		TopP: req.TopP, Stop: req.Stop, Stream: req.Stream,
	}
	if len(req.System) > 0 {
		out.Messages = append(out.Messages, glmMessage{Role: "system", Content: blocksToOpenAIContent(req.System)})
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}
		var toolResults, rest []ContentBlock
		var reasoning string
		var toolCalls []openAIToolCall
		for _, b := range m.Content {
			switch b.Kind {
			case BlockToolResult:
				toolResults = append(toolResults, b)
			case BlockToolUse:
				toolCalls = append(toolCalls, openAIToolCall{ID: b.ToolUseID, Type: "function", Function: openAIFunctionCall{Name: b.ToolName, Arguments: string(jsonOrEmptyObject(b.ToolInput))}})
			case BlockThinking:
				reasoning += b.Text
			default:
				rest = append(rest, b)
			}
		}
		for _, tr := range toolResults {
			content, _ := json.Marshal(tr.ToolResultText)
			out.Messages = append(out.Messages, glmMessage{Role: "tool", ToolCallID: tr.ToolResultForID, Content: content})
		}
		if len(rest) > 0 || len(toolCalls) > 0 || reasoning != "" {
			msg := glmMessage{Role: role, Name: m.Name, ToolCalls: toolCalls, ReasoningContent: reasoning}
			if len(rest) > 0 {
				msg.Content = blocksToOpenAIContent(rest)
			}
			out.Messages = append(out.Messages, msg)
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, glmTool{Type: "function", Function: openAIFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}
	return json.Marshal(out)
}

type glmChoice struct {
	Index        int        `json:"index"`
	Message      glmMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type glmResponse struct {
	Model   string      `json:"model"`
	Choices []glmChoice `json:"choices"`
	Usage   openAIUsage `json:"usage"`
}

func (glmConverter) ResponseToIR(body []byte) (*Response, error) {
	var resp glmResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("convert(glm): response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("convert(glm): response has no choices")
	}
	choice := resp.Choices[0]
	content, err := parseOpenAIContent(choice.Message.Content)
	if err != nil {
		return nil, err
	}
	if choice.Message.ReasoningContent != "" {
		content = append([]ContentBlock{{Kind: BlockThinking, Text: choice.Message.ReasoningContent}}, content...)
	}
	for _, tc := range choice.Message.ToolCalls {
		input, ok := jsonObjectOrEmpty(tc.Function.Arguments)
		content = append(content, ContentBlock{Kind: BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name, ToolInput: input, ToolInputOK: ok})
	}
	return &Response{
		Model: resp.Model, Content: content, StopReason: mapFinishReasonToIR(choice.FinishReason),
		Usage: Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}, nil
}

func (glmConverter) ResponseFromIR(resp *Response) ([]byte, error) {
	var toolCalls []openAIToolCall
	var rest []ContentBlock
	var reasoning string
	for _, b := range resp.Content {
		switch b.Kind {
		case BlockToolUse:
			toolCalls = append(toolCalls, openAIToolCall{ID: b.ToolUseID, Type: "function", Function: openAIFunctionCall{Name: b.ToolName, Arguments: string(jsonOrEmptyObject(b.ToolInput))}})
		case BlockThinking:
			reasoning += b.Text
		default:
			rest = append(rest, b)
		}
	}
	msg := glmMessage{Role: "assistant", ToolCalls: toolCalls, ReasoningContent: reasoning}
	if len(rest) > 0 {
		msg.Content = blocksToOpenAIContent(rest)
	}
	out := glmResponse{
		Model:   resp.Model,
		Choices: []glmChoice{{Index: 0, Message: msg, FinishReason: mapIRStopReasonToOpenAI(resp.StopReason)}},
		Usage:   openAIUsage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens},
	}
	return json.Marshal(out)
}

type glmStreamDelta struct {
	Role             string           `json:"role,omitempty"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
}

type glmStreamChoice struct {
	Index        int             `json:"index"`
	Delta        glmStreamDelta  `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type glmStreamChunk struct {
	Model   string            `json:"model"`
	Choices []glmStreamChoice `json:"choices"`
	Usage   *openAIUsage      `json:"usage,omitempty"`
}

func (glmConverter) StreamChunkToEvents(line string, st *StreamState) ([]StreamEvent, error) {
	if strings.TrimSpace(line) == "[DONE]" {
		st.Done = true
		return []StreamEvent{{Kind: EventMessageStop}}, nil
	}

	var chunk glmStreamChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return nil, fmt.Errorf("convert(glm): stream chunk: %w", err)
	}

	var events []StreamEvent
	if !st.MessageStarted {
		st.MessageStarted = true
		st.Model = chunk.Model
		events = append(events, StreamEvent{Kind: EventMessageStart, Model: chunk.Model})
	}
	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			st.Usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		return events, nil
	}
	choice := chunk.Choices[0]

	events = append(events, glmEmitTextLikeDelta(st, BlockThinking, DeltaThinking, choice.Delta.ReasoningContent)...)
	events = append(events, glmEmitTextLikeDelta(st, BlockText, DeltaText, choice.Delta.Content)...)

	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		acc, ok := st.ToolCalls[idx]
		if !ok {
			acc = &toolCallAccumulator{blockIdx: st.NextIndex}
			st.NextIndex++
			st.ToolCalls[idx] = acc
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		if !acc.started && acc.id != "" && acc.name != "" {
			acc.started = true
			events = append(events, StreamEvent{Kind: EventContentBlockStart, Index: acc.blockIdx, BlockKind: BlockToolUse, ToolUseID: acc.id, ToolName: acc.name})
		}
		if tc.Function.Arguments != "" {
			acc.argsJSON += tc.Function.Arguments
			events = append(events, StreamEvent{Kind: EventContentBlockDelta, Index: acc.blockIdx, Delta: DeltaInputJSON, PartialJSON: tc.Function.Arguments})
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		closeGLMTextBlocks(st, &events)
		events = append(events, StreamEvent{Kind: EventMessageDelta, StopReason: mapFinishReasonToIR(*choice.FinishReason), Usage: st.Usage})
	}
	if chunk.Usage != nil {
		st.Usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
	}
	return events, nil
}

// glmThinkingBlockKey is a sentinel key that tracks the running thinking
// block within StreamState's tool-call map, apart from the running text
// block, since
// StreamState otherwise only tracks one running text block.
const glmThinkingBlockKey = -1000

func glmEmitTextLikeDelta(st *StreamState, kind BlockKind, delta DeltaKind, text string) []StreamEvent {
	if text == "" {
		return nil
	}
	var events []StreamEvent
	if kind == BlockThinking {
		acc, ok := st.ToolCalls[glmThinkingBlockKey]
		if !ok {
			acc = &toolCallAccumulator{blockIdx: st.NextIndex, started: true}
			st.NextIndex++
			st.ToolCalls[glmThinkingBlockKey] = acc
			events = append(events, StreamEvent{Kind: EventContentBlockStart, Index: acc.blockIdx, BlockKind: BlockThinking})
		}
		events = append(events, StreamEvent{Kind: EventContentBlockDelta, Index: acc.blockIdx, Delta: delta, Text: text})
		return events
	}
	if !st.TextBlockOpen {
		st.TextBlockIndex = st.NextIndex
		st.NextIndex++
		st.TextBlockOpen = true
		events = append(events, StreamEvent{Kind: EventContentBlockStart, Index: st.TextBlockIndex, BlockKind: BlockText})
	}
	events = append(events, StreamEvent{Kind: EventContentBlockDelta, Index: st.TextBlockIndex, Delta: delta, Text: text})
	return events
}

func closeGLMTextBlocks(st *StreamState, events *[]StreamEvent) {
	if acc, ok := st.ToolCalls[glmThinkingBlockKey]; ok && acc.started {
		*events = append(*events, StreamEvent{Kind: EventContentBlockStop, Index: acc.blockIdx})
	}
	if st.TextBlockOpen {
		*events = append(*events, StreamEvent{Kind: EventContentBlockStop, Index: st.TextBlockIndex})
		st.TextBlockOpen = false
	}
	for _, acc := range st.ToolCalls {
		if acc.started && acc.blockIdx != st.TextBlockIndex {
			*events = append(*events, StreamEvent{Kind: EventContentBlockStop, Index: acc.blockIdx})
		}
	}
}

func (glmConverter) EventsToStreamLines(events []StreamEvent) ([]string, error) {
	var lines []string
	for _, ev := range events {
		switch ev.Kind {
		case EventMessageStart:
			raw, err := json.Marshal(glmStreamChunk{Model: ev.Model, Choices: []glmStreamChoice{{Delta: glmStreamDelta{Role: "assistant"}}}})
			if err != nil {
				return nil, err
			}
			lines = append(lines, string(raw))
		case EventContentBlockDelta:
			var delta glmStreamDelta
			switch ev.Delta {
			case DeltaText:
				delta.Content = ev.Text
			case DeltaThinking:
				delta.ReasoningContent = ev.Text
			case DeltaInputJSON:
				idx := ev.Index
				delta.ToolCalls = []openAIToolCall{{Index: &idx, Function: openAIFunctionCall{Arguments: ev.PartialJSON}}}
			default:
				continue
			}
			raw, err := json.Marshal(glmStreamChunk{Choices: []glmStreamChoice{{Delta: delta}}})
			if err != nil {
				return nil, err
			}
			lines = append(lines, string(raw))
		case EventMessageDelta:
			reason := mapIRStopReasonToOpenAI(ev.StopReason)
			raw, err := json.Marshal(glmStreamChunk{
				Choices: []glmStreamChoice{{Delta: glmStreamDelta{}, FinishReason: &reason}},
				Usage:   &openAIUsage{PromptTokens: ev.Usage.InputTokens, CompletionTokens: ev.Usage.OutputTokens},
			})
			if err != nil {
				return nil, err
			}
			lines = append(lines, string(raw))
		case EventMessageStop:
			lines = append(lines, "[DONE]")
		}
	}
	return lines, nil
}
