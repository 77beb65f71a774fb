package kiro

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/llmgateway/gateway/gateway/convert"
)

// ErrNoMessages is returned when BuildRequest is asked to render a request
// with no messages left after dropping the trailing open-brace artifact.
var ErrNoMessages = errors.New("kiro: no messages provided")

func encodeImageBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// ModelMapping translates an external model name into Kiro's internal
// model identifier. Unrecognized names fall back to the sonnet default,
// matching the upstream's own permissive behavior.
var ModelMapping = map[string]string{
	"claude-sonnet-4-5":            "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929":   "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-haiku-4-5":             "claude-haiku-4.5",
	"claude-opus-4-5":              "claude-opus-4.5",
}

const defaultKiroModel = "claude-sonnet-4-5"

func kiroModelID(model string) string {
	if id, ok := ModelMapping[model]; ok {
		return id
	}
	return ModelMapping[defaultKiroModel]
}

const (
	thinkingModeTag    = "<thinking_mode>"
	thinkingMaxLenTag  = "<max_thinking_length>"
	keepImageThreshold = 5
	toolDescriptionCap = 9216
)

func normalizeThinkingBudget(budget int) int {
	if budget <= 0 {
		budget = 20000
	}
	if budget > 24576 {
		budget = 24576
	}
	return budget
}

func generateThinkingPrefix(thinking bool, budgetTokens int) string {
	if !thinking {
		return ""
	}
	budget := normalizeThinkingBudget(budgetTokens)
	return thinkingModeTag + "enabled</thinking_mode>" + thinkingMaxLenTag + strconv.Itoa(budget) + "</max_thinking_length>"
}

func hasThinkingPrefix(text string) bool {
	if text == "" {
		return false
	}
	return containsSubstr(text, thinkingModeTag) || containsSubstr(text, thinkingMaxLenTag)
}

func containsSubstr(s, sub string) bool {
	return indexOf(s, sub) >= 0
}

// wire shapes for the conversationState request body Kiro expects.

type wireImage struct {
	Format string          `json:"format"`
	Source wireImageSource `json:"source"`
}

type wireImageSource struct {
	Bytes string `json:"bytes"`
}

type wireToolResultContent struct {
	Text string `json:"text"`
}

type wireToolResult struct {
	Content   []wireToolResultContent `json:"content"`
	Status    string                  `json:"status"`
	ToolUseID string                  `json:"toolUseId"`
}

type wireToolUse struct {
	Input     json.RawMessage `json:"input"`
	Name      string          `json:"name"`
	ToolUseID string          `json:"toolUseId"`
}

type wireToolSpecification struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema wireToolInputSchema `json:"inputSchema"`
}

type wireToolInputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type wireTool struct {
	ToolSpecification wireToolSpecification `json:"toolSpecification"`
}

type wireUserInputMessageContext struct {
	ToolResults []wireToolResult `json:"toolResults,omitempty"`
	Tools       []wireTool       `json:"tools,omitempty"`
}

type wireUserInputMessage struct {
	Content                string                       `json:"content"`
	ModelID                string                       `json:"modelId"`
	Origin                 string                       `json:"origin"`
	Images                 []wireImage                  `json:"images,omitempty"`
	UserInputMessageContext *wireUserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type wireAssistantResponseMessage struct {
	Content  string        `json:"content"`
	ToolUses []wireToolUse `json:"toolUses,omitempty"`
}

type wireHistoryItem struct {
	UserInputMessage      *wireUserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *wireAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type wireCurrentMessage struct {
	UserInputMessage wireUserInputMessage `json:"userInputMessage"`
}

type wireConversationState struct {
	ChatTriggerType string              `json:"chatTriggerType"`
	ConversationID  string              `json:"conversationId"`
	CurrentMessage  wireCurrentMessage  `json:"currentMessage"`
	History         []wireHistoryItem   `json:"history,omitempty"`
}

type wireRequest struct {
	ConversationState wireConversationState `json:"conversationState"`
}

// mergedMessage is a convert.Message post same-role-adjacent merge, the way
// _build_request folds consecutive same-role turns into one before walking
// history.
type mergedMessage struct {
	role    convert.Role
	content []convert.ContentBlock
}

// stripUnmatchedToolPairs applies §4.3's tool_use/tool_result pairing rule
// in place over merged: since mergeAdjacentSameRole already collapses
// consecutive same-role turns, merged already strictly alternates, so each
// assistant entry's "next user turn" is simply the following entry.
func stripUnmatchedToolPairs(merged []mergedMessage) {
	asMessages := make([]convert.Message, len(merged))
	for i, m := range merged {
		asMessages[i] = convert.Message{Role: m.role, Content: m.content}
	}
	asMessages = convert.StripUnmatchedToolPairs(asMessages)
	for i := range merged {
		merged[i].content = asMessages[i].Content
	}
}

func mergeAdjacentSameRole(messages []convert.Message) []mergedMessage {
	var out []mergedMessage
	for _, m := range messages {
		if len(out) > 0 && out[len(out)-1].role == m.Role {
			out[len(out)-1].content = append(out[len(out)-1].content, m.Content...)
			continue
		}
		out = append(out, mergedMessage{role: m.Role, content: append([]convert.ContentBlock{}, m.Content...)})
	}
	return out
}

// dropTrailingOpenBraceAssistant drops a final assistant message whose sole
// content is the literal text "{" — an artifact of some clients priming a
// JSON continuation that Kiro's own history format has no use for.
func dropTrailingOpenBraceAssistant(messages []convert.Message) []convert.Message {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.Role != convert.RoleAssistant || len(last.Content) == 0 {
		return messages
	}
	first := last.Content[0]
	if first.Kind == convert.BlockText && first.Text == "{" {
		return messages[:len(messages)-1]
	}
	return messages
}

func dedupeToolResults(results []wireToolResult) []wireToolResult {
	seen := make(map[string]bool, len(results))
	out := make([]wireToolResult, 0, len(results))
	for _, r := range results {
		if r.ToolUseID == "" || seen[r.ToolUseID] {
			continue
		}
		seen[r.ToolUseID] = true
		out = append(out, r)
	}
	return out
}

func filterAndBuildTools(tools []convert.ToolSchema) []wireTool {
	var out []wireTool
	for _, t := range tools {
		name := t.Name
		if name == "web_search" || name == "websearch" {
			continue
		}
		desc := t.Description
		if len(desc) > toolDescriptionCap {
			desc = desc[:toolDescriptionCap] + "..."
		}
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage("{}")
		}
		out = append(out, wireTool{ToolSpecification: wireToolSpecification{
			Name: name, Description: desc, InputSchema: wireToolInputSchema{JSON: schema},
		}})
	}
	return out
}

// BuildRequest renders an intermediate-representation request into Kiro's
// conversationState wire body, folding the thinking-mode prefix into the
// system prompt, merging consecutive same-role turns, carrying images only
// within the last keepImageThreshold turns, and replacing older images with
// a placeholder so history doesn't balloon.
func BuildRequest(req *convert.Request) ([]byte, error) {
	kiroModel := kiroModelID(req.Model)
	systemPrompt := convert.Message{Role: convert.RoleSystem, Content: req.System}.Text()

	messages := dropTrailingOpenBraceAssistant(req.Messages)
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}

	if prefix := generateThinkingPrefix(req.Thinking, req.ThinkingBudgetTokens); prefix != "" {
		if systemPrompt == "" {
			systemPrompt = prefix
		} else if !hasThinkingPrefix(systemPrompt) {
			systemPrompt = prefix + "\n" + systemPrompt
		}
	}

	merged := mergeAdjacentSameRole(messages)
	stripUnmatchedToolPairs(merged)

	var history []wireHistoryItem
	startIndex := 0
	if systemPrompt != "" {
		if len(merged) > 0 && merged[0].role == convert.RoleUser {
			firstText := convert.Message{Content: merged[0].content}.Text()
			history = append(history, wireHistoryItem{UserInputMessage: &wireUserInputMessage{
				Content: systemPrompt + "\n\n" + firstText, ModelID: kiroModel, Origin: "AI_EDITOR",
			}})
			startIndex = 1
		} else {
			history = append(history, wireHistoryItem{UserInputMessage: &wireUserInputMessage{
				Content: systemPrompt, ModelID: kiroModel, Origin: "AI_EDITOR",
			}})
		}
	}

	for i := startIndex; i < len(merged)-1; i++ {
		msg := merged[i]
		distanceFromEnd := (len(merged) - 1) - i
		shouldKeepImages := distanceFromEnd <= keepImageThreshold

		switch msg.role {
		case convert.RoleUser:
			history = append(history, wireHistoryItem{UserInputMessage: buildHistoryUserMessage(msg.content, kiroModel, shouldKeepImages)})
		case convert.RoleAssistant:
			history = append(history, wireHistoryItem{AssistantResponseMessage: buildHistoryAssistantMessage(msg.content)})
		}
	}

	current := merged[len(merged)-1]
	var currentMsg wireUserInputMessage
	if current.role == convert.RoleAssistant {
		history = append(history, wireHistoryItem{AssistantResponseMessage: buildCurrentAssistantAsHistory(current.content)})
		currentMsg = wireUserInputMessage{Content: "Continue", ModelID: kiroModel, Origin: "AI_EDITOR"}
	} else {
		if len(history) > 0 && history[len(history)-1].AssistantResponseMessage == nil {
			history = append(history, wireHistoryItem{AssistantResponseMessage: &wireAssistantResponseMessage{Content: "Continue"}})
		}
		currentMsg = buildCurrentUserMessage(current.content, kiroModel)
	}

	if tools := filterAndBuildTools(req.Tools); len(tools) > 0 {
		if currentMsg.UserInputMessageContext == nil {
			currentMsg.UserInputMessageContext = &wireUserInputMessageContext{}
		}
		currentMsg.UserInputMessageContext.Tools = tools
	}

	out := wireRequest{ConversationState: wireConversationState{
		ChatTriggerType: "MANUAL",
		ConversationID:  uuid.NewString(),
		History:         history,
		CurrentMessage:  wireCurrentMessage{UserInputMessage: currentMsg},
	}}
	return json.Marshal(out)
}

func buildHistoryUserMessage(content []convert.ContentBlock, kiroModel string, shouldKeepImages bool) *wireUserInputMessage {
	msg := &wireUserInputMessage{ModelID: kiroModel, Origin: "AI_EDITOR"}
	var toolResults []wireToolResult
	imageCount := 0

	for _, b := range content {
		switch b.Kind {
		case convert.BlockText, convert.BlockPlainText:
			msg.Content += b.Text
		case convert.BlockToolResult:
			toolResults = append(toolResults, wireToolResult{
				Content: []wireToolResultContent{{Text: b.ToolResultText}}, Status: toolResultStatus(b), ToolUseID: b.ToolResultForID,
			})
		case convert.BlockImage:
			if shouldKeepImages && len(b.Image.Bytes) > 0 {
				msg.Images = append(msg.Images, wireImage{Format: string(b.Image.Format), Source: wireImageSource{Bytes: encodeImageBytes(b.Image.Bytes)}})
			} else {
				imageCount++
			}
		}
	}

	if imageCount > 0 {
		placeholder := "[此消息包含 " + strconv.Itoa(imageCount) + " 张图片，已在历史记录中省略]"
		if msg.Content != "" {
			msg.Content += "\n" + placeholder
		} else {
			msg.Content = placeholder
		}
	}

	if len(toolResults) > 0 {
		if unique := dedupeToolResults(toolResults); len(unique) > 0 {
			msg.UserInputMessageContext = &wireUserInputMessageContext{ToolResults: unique}
		}
	}

	if msg.Content == "" {
		if len(toolResults) > 0 {
			msg.Content = "Tool results provided."
		} else {
			msg.Content = "Continue"
		}
	}
	return msg
}

func buildHistoryAssistantMessage(content []convert.ContentBlock) *wireAssistantResponseMessage {
	msg := &wireAssistantResponseMessage{}
	var thinkingText string
	var toolUses []wireToolUse

	for _, b := range content {
		switch b.Kind {
		case convert.BlockText, convert.BlockPlainText:
			msg.Content += b.Text
		case convert.BlockThinking:
			thinkingText += b.Text
		case convert.BlockToolUse:
			input := b.ToolInput
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			toolUses = append(toolUses, wireToolUse{Input: input, Name: b.ToolName, ToolUseID: b.ToolUseID})
		}
	}

	if thinkingText != "" {
		if msg.Content != "" {
			msg.Content = thinkingStartTag + thinkingText + thinkingEndTag + "\n\n" + msg.Content
		} else {
			msg.Content = thinkingStartTag + thinkingText + thinkingEndTag
		}
	}
	if len(toolUses) > 0 {
		msg.ToolUses = toolUses
	}
	return msg
}

// buildCurrentAssistantAsHistory mirrors _build_request's handling of a
// trailing assistant message: it becomes a history entry (not the current
// turn), and "Continue" is sent as the live user turn so Kiro has something
// to respond to.
func buildCurrentAssistantAsHistory(content []convert.ContentBlock) *wireAssistantResponseMessage {
	return buildHistoryAssistantMessage(content)
}

func buildCurrentUserMessage(content []convert.ContentBlock, kiroModel string) wireUserInputMessage {
	msg := wireUserInputMessage{ModelID: kiroModel, Origin: "AI_EDITOR"}
	var toolResults []wireToolResult

	for _, b := range content {
		switch b.Kind {
		case convert.BlockText, convert.BlockPlainText:
			msg.Content += b.Text
		case convert.BlockToolResult:
			toolResults = append(toolResults, wireToolResult{
				Content: []wireToolResultContent{{Text: b.ToolResultText}}, Status: toolResultStatus(b), ToolUseID: b.ToolResultForID,
			})
		case convert.BlockImage:
			if len(b.Image.Bytes) > 0 {
				msg.Images = append(msg.Images, wireImage{Format: string(b.Image.Format), Source: wireImageSource{Bytes: encodeImageBytes(b.Image.Bytes)}})
			}
		}
	}

	if len(toolResults) > 0 {
		if unique := dedupeToolResults(toolResults); len(unique) > 0 {
			msg.UserInputMessageContext = &wireUserInputMessageContext{ToolResults: unique}
		}
	}

	if msg.Content == "" {
		if len(toolResults) > 0 {
			msg.Content = "Tool results provided."
		} else {
			msg.Content = "Continue"
		}
	}
	return msg
}

func toolResultStatus(b convert.ContentBlock) string {
	if b.ToolResultError {
		return "error"
	}
	return "success"
}
