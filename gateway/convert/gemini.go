package convert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// geminiConverter implements Converter for Gemini's generateContent /
// streamGenerateContent `contents`/`parts` shape, grounded on the same
// part-kind switch the gemini provider adapter uses to build its wire
// request.
type geminiConverter struct{}

func (geminiConverter) Name() Format { return FormatGemini }

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
}

func partsToBlocks(parts []geminiPart) ([]ContentBlock, error) {
	out := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Text != "" && p.Thought:
			out = append(out, ContentBlock{Kind: BlockThinking, Text: p.Text})
		case p.Text != "":
			out = append(out, ContentBlock{Kind: BlockText, Text: p.Text})
		case p.InlineData != nil:
			decoded, err := decodeBase64(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("convert(gemini): inlineData: %w", err)
			}
			out = append(out, ContentBlock{Kind: BlockImage, Image: Image{Format: imageFormatFromMediaType(p.InlineData.MimeType), Bytes: decoded}})
		case p.FunctionCall != nil:
			input, ok := jsonObjectOrEmpty(string(p.FunctionCall.Args))
			out = append(out, ContentBlock{
				Kind: BlockToolUse, ToolUseID: p.FunctionCall.Name, ToolName: p.FunctionCall.Name,
				ToolInput: input, ToolInputOK: ok,
			})
		case p.FunctionResponse != nil:
			text := extractTextContent(p.FunctionResponse.Response)
			if text == "" {
				text = string(p.FunctionResponse.Response)
			}
			out = append(out, ContentBlock{Kind: BlockToolResult, ToolResultForID: p.FunctionResponse.Name, ToolResultText: text})
		}
	}
	return out, nil
}

func blocksToGeminiParts(blocks []ContentBlock) []geminiPart {
	parts := make([]geminiPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case BlockText, BlockPlainText:
			parts = append(parts, geminiPart{Text: b.Text})
		case BlockThinking:
			parts = append(parts, geminiPart{Text: b.Text, Thought: true})
		case BlockImage:
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MimeType: mediaTypeFromImageFormat(b.Image.Format), Data: base64.StdEncoding.EncodeToString(b.Image.Bytes),
			}})
		case BlockToolUse:
			input := b.ToolInput
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: b.ToolName, Args: input}})
		case BlockToolResult:
			respJSON, _ := json.Marshal(map[string]string{"result": b.ToolResultText})
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{Name: b.ToolResultForID, Response: respJSON}})
		}
	}
	return parts
}

func (geminiConverter) RequestToIR(body []byte) (*Request, error) {
	var req geminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert(gemini): request: %w", err)
	}

	ir := &Request{}
	if req.SystemInstruction != nil {
		sys, err := partsToBlocks(req.SystemInstruction.Parts)
		if err != nil {
			return nil, err
		}
		ir.System = sys
	}
	for _, c := range req.Contents {
		content, err := partsToBlocks(c.Parts)
		if err != nil {
			return nil, err
		}
		role := RoleUser
		if c.Role == "model" {
			role = RoleAssistant
		}
		ir.Messages = append(ir.Messages, Message{Role: role, Content: content})
	}
	for _, t := range req.Tools {
		for _, d := range t.FunctionDeclarations {
			ir.Tools = append(ir.Tools, ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
		}
	}
	if req.GenerationConfig != nil {
		ir.Temperature = req.GenerationConfig.Temperature
		ir.TopP = req.GenerationConfig.TopP
		ir.MaxTokens = req.GenerationConfig.MaxOutputTokens
		ir.Stop = req.GenerationConfig.StopSequences
	}
	return ir, nil
}

func (geminiConverter) RequestFromIR(req *Request) ([]byte, error) {
	out := geminiRequest{}
	if len(req.System) > 0 {
		out.SystemInstruction = &geminiContent{Parts: blocksToGeminiParts(req.System)}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: blocksToGeminiParts(m.Content)})
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature: req.Temperature, TopP: req.TopP, MaxOutputTokens: req.MaxTokens, StopSequences: req.Stop,
		}
	}
	return json.Marshal(out)
}

func mapGeminiFinishReasonToIR(reason string) StopReason {
	switch reason {
	case "MAX_TOKENS":
		return StopMaxTokens
	case "STOP":
		return StopEndTurn
	default:
		return StopEndTurn
	}
}

func mapIRStopReasonToGemini(r StopReason) string {
	switch r {
	case StopMaxTokens:
		return "MAX_TOKENS"
	default:
		return "STOP"
	}
}

func (geminiConverter) ResponseToIR(body []byte) (*Response, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("convert(gemini): response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("convert(gemini): response has no candidates")
	}
	c := resp.Candidates[0]
	hasToolUse := false
	content, err := partsToBlocks(c.Content.Parts)
	if err != nil {
		return nil, err
	}
	for _, b := range content {
		if b.Kind == BlockToolUse {
			hasToolUse = true
		}
	}

	stop := mapGeminiFinishReasonToIR(c.FinishReason)
	if hasToolUse && stop == StopEndTurn {
		stop = StopToolUse
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage = Usage{
			InputTokens: resp.UsageMetadata.PromptTokenCount, OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: resp.UsageMetadata.CachedContentTokenCount,
		}
	}
	return &Response{Model: resp.ModelVersion, Content: content, StopReason: stop, Usage: usage}, nil
}

func (geminiConverter) ResponseFromIR(resp *Response) ([]byte, error) {
	out := geminiResponse{
		ModelVersion: resp.Model,
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: blocksToGeminiParts(resp.Content)},
			FinishReason: mapIRStopReasonToGemini(resp.StopReason),
		}},
		UsageMetadata: &geminiUsageMetadata{
			PromptTokenCount: resp.Usage.InputTokens, CandidatesTokenCount: resp.Usage.OutputTokens,
			CachedContentTokenCount: resp.Usage.CacheReadTokens,
		},
	}
	return json.Marshal(out)
}

// StreamChunkToEvents parses one line of Gemini's streamed JSON-per-line
// response (not SSE-framed upstream; the relay re-frames it as SSE for
// clients that expect that shape).
func (geminiConverter) StreamChunkToEvents(line string, st *StreamState) ([]StreamEvent, error) {
	var resp geminiResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("convert(gemini): stream chunk: %w", err)
	}

	var events []StreamEvent
	if !st.MessageStarted {
		st.MessageStarted = true
		st.Model = resp.ModelVersion
		events = append(events, StreamEvent{Kind: EventMessageStart, Model: resp.ModelVersion})
	}

	for _, c := range resp.Candidates {
		blocks, err := partsToBlocks(c.Content.Parts)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			switch b.Kind {
			case BlockText, BlockThinking:
				idx := st.NextIndex
				st.NextIndex++
				delta := DeltaText
				if b.Kind == BlockThinking {
					delta = DeltaThinking
				}
				events = append(events,
					StreamEvent{Kind: EventContentBlockStart, Index: idx, BlockKind: b.Kind},
					StreamEvent{Kind: EventContentBlockDelta, Index: idx, Delta: delta, Text: b.Text},
					StreamEvent{Kind: EventContentBlockStop, Index: idx},
				)
			case BlockToolUse:
				idx := st.NextIndex
				st.NextIndex++
				events = append(events,
					StreamEvent{Kind: EventContentBlockStart, Index: idx, BlockKind: BlockToolUse, ToolUseID: b.ToolUseID, ToolName: b.ToolName},
					StreamEvent{Kind: EventContentBlockDelta, Index: idx, Delta: DeltaInputJSON, PartialJSON: string(b.ToolInput)},
					StreamEvent{Kind: EventContentBlockStop, Index: idx},
				)
			}
		}
		if c.FinishReason != "" {
			st.Done = true
			events = append(events, StreamEvent{Kind: EventMessageDelta, StopReason: mapGeminiFinishReasonToIR(c.FinishReason)})
		}
	}

	if resp.UsageMetadata != nil {
		st.Usage = Usage{InputTokens: resp.UsageMetadata.PromptTokenCount, OutputTokens: resp.UsageMetadata.CandidatesTokenCount}
		events = append(events, StreamEvent{Kind: EventMessageStop, Usage: st.Usage})
	}
	return events, nil
}

func (geminiConverter) EventsToStreamLines(events []StreamEvent) ([]string, error) {
	var lines []string
	resp := geminiResponse{}
	candidate := geminiCandidate{Content: geminiContent{Role: "model"}}
	emitted := false

	for _, ev := range events {
		switch ev.Kind {
		case EventContentBlockDelta:
			switch ev.Delta {
			case DeltaText:
				candidate.Content.Parts = append(candidate.Content.Parts, geminiPart{Text: ev.Text})
				emitted = true
			case DeltaThinking:
				candidate.Content.Parts = append(candidate.Content.Parts, geminiPart{Text: ev.Text, Thought: true})
				emitted = true
			case DeltaInputJSON:
				var args json.RawMessage = json.RawMessage(ev.PartialJSON)
				candidate.Content.Parts = append(candidate.Content.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: ev.ToolName, Args: args}})
				emitted = true
			}
		case EventMessageDelta:
			candidate.FinishReason = mapIRStopReasonToGemini(ev.StopReason)
		case EventMessageStop:
			resp.UsageMetadata = &geminiUsageMetadata{PromptTokenCount: ev.Usage.InputTokens, CandidatesTokenCount: ev.Usage.OutputTokens}
		}
	}

	if emitted || candidate.FinishReason != "" {
		resp.Candidates = []geminiCandidate{candidate}
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	lines = append(lines, string(raw))
	return lines, nil
}
