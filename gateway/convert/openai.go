package convert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// openAIConverter implements Converter for OpenAI's /v1/chat/completions
// shape, including the GLM-compatible superset GLM itself reuses verbatim
// for everything except tool-description defaulting and reasoning_content.
type openAIConverter struct{}

func (openAIConverter) Name() Format { return FormatOpenAI }

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

// openAIContentPart is a flattened superset of OpenAI's text/image_url
// content parts.
type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIMessage struct {
	Role       string            `json:"role"`
	Name       string            `json:"name,omitempty"`
	Content    json.RawMessage   `json:"content,omitempty"`
	ToolCalls  []openAIToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type openAIFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float32        `json:"temperature,omitempty"`
	TopP        *float32        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// parseOpenAIContent handles the duck-typed content field: a bare string, or
// a list of {type:"text"}/{type:"image_url"} parts.
func parseOpenAIContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []ContentBlock{{Kind: BlockPlainText, Text: asString}}, nil
	}
	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("convert(openai): content: %w", err)
	}
	out := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, ContentBlock{Kind: BlockText, Text: p.Text})
		case "image_url":
			img := Image{Format: ImagePNG}
			if p.ImageURL != nil {
				parsed, err := parseDataURLImage(p.ImageURL.URL)
				if err != nil {
					return nil, err
				}
				img = parsed
			}
			out = append(out, ContentBlock{Kind: BlockImage, Image: img})
		default:
			return nil, fmt.Errorf("convert(openai): unknown content part type %q", p.Type)
		}
	}
	return out, nil
}

func parseOpenAIStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

func (openAIConverter) RequestToIR(body []byte) (*Request, error) {
	var req openAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert(openai): request: %w", err)
	}

	ir := &Request{
		Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature,
		TopP: req.TopP, Stop: parseOpenAIStop(req.Stop), Stream: req.Stream,
	}

	// Pending tool_result blocks keyed by tool_call_id get folded into the
	// next assistant/user message boundary, since OpenAI represents them as
	// standalone role:"tool" messages rather than content blocks.
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
			text := ""
			var asString string
			if err := json.Unmarshal(m.Content, &asString); err == nil {
				text = asString
			}
			pendingToolResults = append(pendingToolResults, ContentBlock{
				Kind: BlockToolResult, ToolResultForID: m.ToolCallID, ToolResultText: text,
			})
			continue
		}

		content, err := parseOpenAIContent(m.Content)
		if err != nil {
			return nil, err
		}
		for _, tc := range m.ToolCalls {
			input, ok := jsonObjectOrEmpty(tc.Function.Arguments)
			content = append(content, ContentBlock{
				Kind: BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name,
				ToolInput: input, ToolInputOK: ok,
			})
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
		ir.Tools = append(ir.Tools, ToolSchema{Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters})
	}
	return ir, nil
}

func blockToOpenAIContentPart(b ContentBlock) (openAIContentPart, bool) {
	switch b.Kind {
	case BlockText, BlockPlainText:
		return openAIContentPart{Type: "text", Text: b.Text}, true
	case BlockImage:
		return openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURLFromImage(b.Image)}}, true
	default:
		return openAIContentPart{}, false
	}
}

func blocksToOpenAIContent(blocks []ContentBlock) json.RawMessage {
	if len(blocks) == 1 && blocks[0].Kind == BlockPlainText {
		raw, _ := json.Marshal(blocks[0].Text)
		return raw
	}
	parts := make([]openAIContentPart, 0, len(blocks))
	for _, b := range blocks {
		if p, ok := blockToOpenAIContentPart(b); ok {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return json.RawMessage(`""`)
	}
	raw, _ := json.Marshal(parts)
	return raw
}

func (openAIConverter) RequestFromIR(req *Request) ([]byte, error) {
	out := openAIRequest{
		Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature,
		TopP: req.TopP, Stream: req.Stream,
	}
	if len(req.Stop) == 1 {
		raw, _ := json.Marshal(req.Stop[0])
		out.Stop = raw
	} else if len(req.Stop) > 1 {
		raw, _ := json.Marshal(req.Stop)
		out.Stop = raw
	}

	if len(req.System) > 0 {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: blocksToOpenAIContent(req.System)})
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}

		var toolResults []ContentBlock
		var rest []ContentBlock
		var toolCalls []openAIToolCall
		for _, b := range m.Content {
			switch b.Kind {
			case BlockToolResult:
				toolResults = append(toolResults, b)
			case BlockToolUse:
				toolCalls = append(toolCalls, openAIToolCall{
					ID: b.ToolUseID, Type: "function",
					Function: openAIFunctionCall{Name: b.ToolName, Arguments: string(jsonOrEmptyObject(b.ToolInput))},
				})
			default:
				rest = append(rest, b)
			}
		}

		for _, tr := range toolResults {
			content, _ := json.Marshal(tr.ToolResultText)
			out.Messages = append(out.Messages, openAIMessage{Role: "tool", ToolCallID: tr.ToolResultForID, Content: content})
		}

		if len(rest) > 0 || len(toolCalls) > 0 {
			msg := openAIMessage{Role: role, Name: m.Name, ToolCalls: toolCalls}
			if len(rest) > 0 {
				msg.Content = blocksToOpenAIContent(rest)
			}
			out.Messages = append(out.Messages, msg)
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{Type: "function", Function: openAIFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}
	return json.Marshal(out)
}

func jsonOrEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens        int                     `json:"prompt_tokens"`
	CompletionTokens    int                     `json:"completion_tokens"`
	PromptTokensDetails *openAIPromptTokensInfo `json:"prompt_tokens_details,omitempty"`
}

type openAIPromptTokensInfo struct {
	CachedTokens int `json:"cached_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

func (openAIConverter) ResponseToIR(body []byte) (*Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("convert(openai): response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("convert(openai): response has no choices")
	}
	choice := resp.Choices[0]

	content, err := parseOpenAIContent(choice.Message.Content)
	if err != nil {
		return nil, err
	}
	for _, tc := range choice.Message.ToolCalls {
		input, ok := jsonObjectOrEmpty(tc.Function.Arguments)
		content = append(content, ContentBlock{
			Kind: BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name,
			ToolInput: input, ToolInputOK: ok,
		})
	}

	cacheRead := 0
	if resp.Usage.PromptTokensDetails != nil {
		cacheRead = resp.Usage.PromptTokensDetails.CachedTokens
	}
	return &Response{
		Model: resp.Model, Content: content, StopReason: mapFinishReasonToIR(choice.FinishReason),
		Usage: Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens, CacheReadTokens: cacheRead},
	}, nil
}

func (openAIConverter) ResponseFromIR(resp *Response) ([]byte, error) {
	var toolCalls []openAIToolCall
	var rest []ContentBlock
	for _, b := range resp.Content {
		if b.Kind == BlockToolUse {
			toolCalls = append(toolCalls, openAIToolCall{
				ID: b.ToolUseID, Type: "function",
				Function: openAIFunctionCall{Name: b.ToolName, Arguments: string(jsonOrEmptyObject(b.ToolInput))},
			})
			continue
		}
		rest = append(rest, b)
	}

	msg := openAIMessage{Role: "assistant", ToolCalls: toolCalls}
	if len(rest) > 0 {
		msg.Content = blocksToOpenAIContent(rest)
	}

	out := openAIResponse{
		Model: resp.Model,
		Choices: []openAIChoice{{
			Index: 0, Message: msg, FinishReason: mapIRStopReasonToOpenAI(resp.StopReason),
		}},
		Usage: openAIUsage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens},
	}
	if resp.Usage.CacheReadTokens > 0 {
		out.Usage.PromptTokensDetails = &openAIPromptTokensInfo{CachedTokens: resp.Usage.CacheReadTokens}
	}
	return json.Marshal(out)
}

type openAIStreamDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []openAIToolCall  `json:"tool_calls,omitempty"`
}

type openAIStreamChoice struct {
	Index        int                `json:"index"`
	Delta        openAIStreamDelta  `json:"delta"`
	FinishReason *string            `json:"finish_reason"`
}

type openAIStreamChunk struct {
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
}

// StreamChunkToEvents parses one OpenAI-style SSE data payload. The literal
// "[DONE]" sentinel produces a single message_stop event.
func (openAIConverter) StreamChunkToEvents(line string, st *StreamState) ([]StreamEvent, error) {
	if strings.TrimSpace(line) == "[DONE]" {
		st.Done = true
		return []StreamEvent{{Kind: EventMessageStop}}, nil
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return nil, fmt.Errorf("convert(openai): stream chunk: %w", err)
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

	if choice.Delta.Content != "" {
		if !st.TextBlockOpen {
			st.TextBlockIndex = st.NextIndex
			st.NextIndex++
			st.TextBlockOpen = true
			events = append(events, StreamEvent{Kind: EventContentBlockStart, Index: st.TextBlockIndex, BlockKind: BlockText})
		}
		events = append(events, StreamEvent{
			Kind: EventContentBlockDelta, Index: st.TextBlockIndex, Delta: DeltaText, Text: choice.Delta.Content,
		})
	}

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
		if st.TextBlockOpen {
			events = append(events, StreamEvent{Kind: EventContentBlockStop, Index: st.TextBlockIndex})
			st.TextBlockOpen = false
		}
		for _, acc := range st.ToolCalls {
			if acc.started {
				events = append(events, StreamEvent{Kind: EventContentBlockStop, Index: acc.blockIdx})
			}
		}
		events = append(events, StreamEvent{Kind: EventMessageDelta, StopReason: mapFinishReasonToIR(*choice.FinishReason), Usage: st.Usage})
	}

	if chunk.Usage != nil {
		st.Usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
	}
	return events, nil
}

// EventsToStreamLines renders hub events back into OpenAI chunk JSON. Each
// IR event maps to at most one OpenAI chunk line; block-start/stop events
// with no textual payload are dropped since OpenAI has no equivalent framing.
func (openAIConverter) EventsToStreamLines(events []StreamEvent) ([]string, error) {
	var lines []string
	for _, ev := range events {
		switch ev.Kind {
		case EventMessageStart:
			chunk := openAIStreamChunk{Model: ev.Model, Choices: []openAIStreamChoice{{Delta: openAIStreamDelta{Role: "assistant"}}}}
			raw, err := json.Marshal(chunk)
			if err != nil {
				return nil, err
			}
			lines = append(lines, string(raw))
		case EventContentBlockDelta:
			switch ev.Delta {
			case DeltaText, DeltaThinking:
				chunk := openAIStreamChunk{Choices: []openAIStreamChoice{{Delta: openAIStreamDelta{Content: ev.Text}}}}
				raw, err := json.Marshal(chunk)
				if err != nil {
					return nil, err
				}
				lines = append(lines, string(raw))
			case DeltaInputJSON:
				idx := ev.Index
				chunk := openAIStreamChunk{Choices: []openAIStreamChoice{{Delta: openAIStreamDelta{
					ToolCalls: []openAIToolCall{{Index: &idx, Function: openAIFunctionCall{Arguments: ev.PartialJSON}}},
				}}}}
				raw, err := json.Marshal(chunk)
				if err != nil {
					return nil, err
				}
				lines = append(lines, string(raw))
			}
		case EventMessageDelta:
			reason := mapIRStopReasonToOpenAI(ev.StopReason)
			chunk := openAIStreamChunk{
				Choices: []openAIStreamChoice{{Delta: openAIStreamDelta{}, FinishReason: &reason}},
				Usage:   &openAIUsage{PromptTokens: ev.Usage.InputTokens, CompletionTokens: ev.Usage.OutputTokens},
			}
			raw, err := json.Marshal(chunk)
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
