package convert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// anthropicConverter implements Converter for Anthropic's /v1/messages shape.
type anthropicConverter struct{}

func (anthropicConverter) Name() Format { return FormatAnthropic }

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicBlock is a flattened superset of every Anthropic content-block
// shape; Type selects which fields are meaningful.
type anthropicBlock struct {
	Type         string                `json:"type"`
	Text         string                `json:"text,omitempty"`
	CacheControl *CacheControl         `json:"cache_control,omitempty"`
	Source       *anthropicImageSource `json:"source,omitempty"`
	ID           string                `json:"id,omitempty"`
	Name         string                `json:"name,omitempty"`
	Input        json.RawMessage       `json:"input,omitempty"`
	ToolUseID    string                `json:"tool_use_id,omitempty"`
	Content      json.RawMessage       `json:"content,omitempty"`
	IsError      bool                  `json:"is_error,omitempty"`
	Thinking     string                `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicRequest struct {
	Model         string            `json:"model"`
	System        json.RawMessage   `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float32          `json:"temperature,omitempty"`
	TopP          *float32          `json:"top_p,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Tools         []anthropicTool   `json:"tools,omitempty"`
	ToolChoice    json.RawMessage   `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
}

// parseAnthropicContent handles the duck-typed Anthropic content field,
// which may be a bare string or a list of typed blocks.
func parseAnthropicContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []ContentBlock{{Kind: BlockPlainText, Text: asString}}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("convert(anthropic): content: %w", err)
	}

	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, ContentBlock{Kind: BlockText, Text: b.Text, Cache: b.CacheControl})
		case "image":
			img := Image{}
			if b.Source != nil {
				img.Format = imageFormatFromMediaType(b.Source.MediaType)
				if decoded, err := decodeBase64(b.Source.Data); err == nil {
					img.Bytes = decoded
				}
			}
			out = append(out, ContentBlock{Kind: BlockImage, Image: img, Cache: b.CacheControl})
		case "tool_use":
			input, ok := jsonObjectOrEmpty(string(b.Input))
			out = append(out, ContentBlock{
				Kind: BlockToolUse, ToolUseID: b.ID, ToolName: b.Name,
				ToolInput: input, ToolInputOK: ok, Cache: b.CacheControl,
			})
		case "tool_result":
			text := extractTextContent(b.Content)
			out = append(out, ContentBlock{
				Kind: BlockToolResult, ToolResultForID: b.ToolUseID,
				ToolResultText: text, ToolResultError: b.IsError, Cache: b.CacheControl,
			})
		case "thinking":
			out = append(out, ContentBlock{Kind: BlockThinking, Text: b.Thinking})
		default:
			return nil, fmt.Errorf("convert(anthropic): unknown content block type %q", b.Type)
		}
	}
	return out, nil
}

// extractTextContent pulls plain text out of a duck-typed string-or-block-list
// field, joining multiple text parts with a space — mirrors the original
// implementation's get_content_text behavior for tool_result content.
func extractTextContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		out := ""
		for i, it := range items {
			if i > 0 {
				out += " "
			}
			out += it.Text
		}
		return out
	}
	return ""
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// contentBlocksToAnthropic renders IR blocks as Anthropic content blocks.
// Used directly by responses (always a list) and wrapped by
// blocksToAnthropicJSON for request message content (which may collapse to
// a bare string).
func contentBlocksToAnthropic(blocks []ContentBlock) ([]anthropicBlock, error) {
	out := make([]anthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case BlockText, BlockPlainText:
			out = append(out, anthropicBlock{Type: "text", Text: b.Text, CacheControl: b.Cache})
		case BlockThinking:
			out = append(out, anthropicBlock{Type: "thinking", Thinking: b.Text, CacheControl: b.Cache})
		case BlockImage:
			out = append(out, anthropicBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type: "base64", MediaType: mediaTypeFromImageFormat(b.Image.Format),
					Data: base64.StdEncoding.EncodeToString(b.Image.Bytes),
				},
				CacheControl: b.Cache,
			})
		case BlockToolUse:
			input := b.ToolInput
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out = append(out, anthropicBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: input, CacheControl: b.Cache})
		case BlockToolResult:
			content, _ := json.Marshal(b.ToolResultText)
			out = append(out, anthropicBlock{
				Type: "tool_result", ToolUseID: b.ToolResultForID, Content: content,
				IsError: b.ToolResultError, CacheControl: b.Cache,
			})
		default:
			return nil, fmt.Errorf("convert(anthropic): unrenderable block kind %q", b.Kind)
		}
	}
	return out, nil
}

func blocksToAnthropicJSON(blocks []ContentBlock) (json.RawMessage, error) {
	if len(blocks) == 1 && blocks[0].Kind == BlockPlainText {
		return json.Marshal(blocks[0].Text)
	}
	out, err := contentBlocksToAnthropic(blocks)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (anthropicConverter) RequestToIR(body []byte) (*Request, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert(anthropic): request: %w", err)
	}

	system, err := parseAnthropicContent(req.System)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		content, err := parseAnthropicContent(m.Content)
		if err != nil {
			return nil, err
		}
		role := RoleUser
		if m.Role == "assistant" {
			role = RoleAssistant
		}
		messages = append(messages, Message{Role: role, Content: content})
	}

	tools := make([]ToolSchema, 0, len(req.Tools))
	for _, t := range req.Tools {
		desc := t.Description
		tools = append(tools, ToolSchema{Name: t.Name, Description: desc, Parameters: t.InputSchema})
	}

	ir := &Request{
		Model:       req.Model,
		System:      system,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		ir.Thinking = true
		ir.ThinkingBudgetTokens = req.Thinking.BudgetTokens
	}
	return ir, nil
}

func (anthropicConverter) RequestFromIR(req *Request) ([]byte, error) {
	out := anthropicRequest{
		Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature,
		TopP: req.TopP, StopSequences: req.Stop, Stream: req.Stream,
	}
	if len(req.System) > 0 {
		sysJSON, err := blocksToAnthropicJSON(req.System)
		if err != nil {
			return nil, err
		}
		out.System = sysJSON
	}
	for _, m := range req.Messages {
		contentJSON, err := blocksToAnthropicJSON(m.Content)
		if err != nil {
			return nil, err
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: role, Content: contentJSON})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	if req.Thinking {
		budget := req.ThinkingBudgetTokens
		if budget <= 0 {
			budget = 20000
		}
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
	}
	return json.Marshal(out)
}

type anthropicResponse struct {
	Model      string          `json:"model"`
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      anthropicUsage  `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

func (anthropicConverter) ResponseToIR(body []byte) (*Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("convert(anthropic): response: %w", err)
	}
	content, err := parseAnthropicContent(resp.Content)
	if err != nil {
		return nil, err
	}
	return &Response{
		Model:      resp.Model,
		Content:    content,
		StopReason: mapAnthropicStopReasonToIR(resp.StopReason),
		Usage: Usage{
			InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
			CacheReadTokens: resp.Usage.CacheReadInputTokens, CacheCreateTokens: resp.Usage.CacheCreationInputTokens,
		},
	}, nil
}

func (anthropicConverter) ResponseFromIR(resp *Response) ([]byte, error) {
	blocks, err := contentBlocksToAnthropic(resp.Content)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(blocks)
	if err != nil {
		return nil, err
	}
	out := anthropicResponse{
		Model: resp.Model, Content: content, StopReason: mapIRStopReasonToAnthropic(resp.StopReason),
		Usage: anthropicUsage{
			InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
			CacheReadInputTokens: resp.Usage.CacheReadTokens, CacheCreationInputTokens: resp.Usage.CacheCreateTokens,
		},
	}
	return json.Marshal(out)
}

// anthropicSSEEvent is a flattened superset of every Anthropic stream event
// shape. Unlike the other formats, Anthropic's own SSE vocabulary IS the
// hub's StreamEvent vocabulary (§6), so this is a near-identity mapping
// rather than a real translation.
type anthropicSSEEvent struct {
	Type         string               `json:"type"`
	Index        *int                 `json:"index,omitempty"`
	Message      *anthropicSSEMessage `json:"message,omitempty"`
	ContentBlock *anthropicBlock      `json:"content_block,omitempty"`
	Delta        *anthropicSSEDelta   `json:"delta,omitempty"`
	Usage        *anthropicUsage      `json:"usage,omitempty"`
}

type anthropicSSEMessage struct {
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

// anthropicSSEDelta is a flattened superset of content_block_delta's Delta
// and message_delta's Delta, which carry disjoint fields.
type anthropicSSEDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// StreamChunkToEvents parses one line of Anthropic's own SSE data payload.
// Every field maps straight through since the hub's StreamEvent already
// speaks this vocabulary.
func (anthropicConverter) StreamChunkToEvents(line string, st *StreamState) ([]StreamEvent, error) {
	var ev anthropicSSEEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, fmt.Errorf("convert(anthropic): stream chunk: %w", err)
	}

	idx := 0
	if ev.Index != nil {
		idx = *ev.Index
	}

	switch ev.Type {
	case "message_start":
		st.MessageStarted = true
		model := ""
		if ev.Message != nil {
			model = ev.Message.Model
			st.Model = model
			st.Usage = Usage{InputTokens: ev.Message.Usage.InputTokens, CacheReadTokens: ev.Message.Usage.CacheReadInputTokens, CacheCreateTokens: ev.Message.Usage.CacheCreationInputTokens}
		}
		return []StreamEvent{{Kind: EventMessageStart, Model: model}}, nil

	case "content_block_start":
		var block anthropicBlock
		if ev.ContentBlock != nil {
			block = *ev.ContentBlock
		}
		return []StreamEvent{{
			Kind: EventContentBlockStart, Index: idx,
			BlockKind: anthropicBlockTypeToKind(block.Type), ToolUseID: block.ID, ToolName: block.Name,
		}}, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []StreamEvent{{Kind: EventContentBlockDelta, Index: idx, Delta: DeltaText, Text: ev.Delta.Text}}, nil
		case "thinking_delta":
			return []StreamEvent{{Kind: EventContentBlockDelta, Index: idx, Delta: DeltaThinking, Text: ev.Delta.Thinking}}, nil
		case "input_json_delta":
			return []StreamEvent{{Kind: EventContentBlockDelta, Index: idx, Delta: DeltaInputJSON, PartialJSON: ev.Delta.PartialJSON}}, nil
		default:
			return nil, nil
		}

	case "content_block_stop":
		return []StreamEvent{{Kind: EventContentBlockStop, Index: idx}}, nil

	case "message_delta":
		if ev.Usage != nil {
			st.Usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens != 0 {
				st.Usage.InputTokens = ev.Usage.InputTokens
			}
		}
		stopReason := StopEndTurn
		if ev.Delta != nil {
			stopReason = mapAnthropicStopReasonToIR(ev.Delta.StopReason)
		}
		return []StreamEvent{{Kind: EventMessageDelta, StopReason: stopReason, Usage: st.Usage}}, nil

	case "message_stop":
		st.Done = true
		return []StreamEvent{{Kind: EventMessageStop}}, nil

	default:
		// "ping" and any other unrecognized event carry no IR-relevant state.
		return nil, nil
	}
}

func anthropicBlockTypeToKind(t string) BlockKind {
	switch t {
	case "tool_use":
		return BlockToolUse
	case "thinking":
		return BlockThinking
	default:
		return BlockText
	}
}

func anthropicKindToBlockType(k BlockKind) string {
	switch k {
	case BlockToolUse:
		return "tool_use"
	case BlockThinking:
		return "thinking"
	default:
		return "text"
	}
}

// EventsToStreamLines renders hub events back into Anthropic's own SSE data
// payloads, the reverse of StreamChunkToEvents.
func (anthropicConverter) EventsToStreamLines(events []StreamEvent) ([]string, error) {
	var lines []string
	emit := func(ev anthropicSSEEvent) error {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		lines = append(lines, string(raw))
		return nil
	}

	for _, ev := range events {
		switch ev.Kind {
		case EventMessageStart:
			if err := emit(anthropicSSEEvent{Type: "message_start", Message: &anthropicSSEMessage{Model: ev.Model, Usage: anthropicUsage{InputTokens: ev.Usage.InputTokens}}}); err != nil {
				return nil, err
			}
		case EventContentBlockStart:
			idx := ev.Index
			block := &anthropicBlock{Type: anthropicKindToBlockType(ev.BlockKind), ID: ev.ToolUseID, Name: ev.ToolName}
			if err := emit(anthropicSSEEvent{Type: "content_block_start", Index: &idx, ContentBlock: block}); err != nil {
				return nil, err
			}
		case EventContentBlockDelta:
			idx := ev.Index
			var delta anthropicSSEDelta
			switch ev.Delta {
			case DeltaText:
				delta = anthropicSSEDelta{Type: "text_delta", Text: ev.Text}
			case DeltaThinking:
				delta = anthropicSSEDelta{Type: "thinking_delta", Thinking: ev.Text}
			case DeltaInputJSON:
				delta = anthropicSSEDelta{Type: "input_json_delta", PartialJSON: ev.PartialJSON}
			default:
				continue
			}
			if err := emit(anthropicSSEEvent{Type: "content_block_delta", Index: &idx, Delta: &delta}); err != nil {
				return nil, err
			}
		case EventContentBlockStop:
			idx := ev.Index
			if err := emit(anthropicSSEEvent{Type: "content_block_stop", Index: &idx}); err != nil {
				return nil, err
			}
		case EventMessageDelta:
			delta := anthropicSSEDelta{StopReason: mapIRStopReasonToAnthropic(ev.StopReason)}
			usage := anthropicUsage{OutputTokens: ev.Usage.OutputTokens}
			if err := emit(anthropicSSEEvent{Type: "message_delta", Delta: &delta, Usage: &usage}); err != nil {
				return nil, err
			}
		case EventMessageStop:
			if err := emit(anthropicSSEEvent{Type: "message_stop"}); err != nil {
				return nil, err
			}
		}
	}
	return lines, nil
}
