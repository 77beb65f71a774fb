package tokenizer

import (
	"encoding/json"
)

// PartKind mirrors the multi-part message content shapes CountRequest
// knows how to price. It intentionally does not import the gateway
// package's ContentBlock to keep this package dependency-free; gateway
// builds a []Part from its own IR at the call site.
type PartKind string

const (
	PartText       PartKind = "text"
	PartThinking   PartKind = "thinking"
	PartToolResult PartKind = "tool_result"
	PartToolUse    PartKind = "tool_use"
	PartImage      PartKind = "image"       // Kiro-style, fixed 1600 tokens
	PartImageURL   PartKind = "image_url"   // OpenAI-style, fixed 85 tokens
	PartDocument   PartKind = "document"    // base64 document, priced by length
)

// Part is one priced content unit inside a message.
type Part struct {
	Kind PartKind

	Text string // PartText, PartThinking, PartToolResult

	ToolName      string // PartToolUse
	ToolInputJSON string // PartToolUse: json.Marshal(input)

	DocumentBase64 string // PartDocument
}

// RequestMessage is a priced message: a role plus either plain text or a
// list of Parts, and an optional name field (+3 token overhead).
type RequestMessage struct {
	Role  string
	Text  string // used when Parts is empty
	Parts []Part
	Name  string
}

// CountMessageTokens prices one message: its content plus role/name
// formatting overhead, per §4.1.
func CountMessageTokens(msg RequestMessage, family Family) int {
	tokens := 0
	if len(msg.Parts) == 0 {
		tokens += EstimateTokens(msg.Text, family)
	} else {
		for _, p := range msg.Parts {
			switch p.Kind {
			case PartText, PartThinking, PartToolResult:
				tokens += EstimateTokens(p.Text, family)
			case PartToolUse:
				tokens += EstimateTokens(p.ToolName, family)
				tokens += EstimateTokens(p.ToolInputJSON, family)
			case PartImage:
				tokens += 1600
			case PartImageURL:
				tokens += 85
			case PartDocument:
				if p.DocumentBase64 != "" {
					estimatedChars := int(float64(len(p.DocumentBase64)) * 0.75)
					n := (estimatedChars + 3) / 4
					if n < 1 {
						n = 1
					}
					tokens += n
				}
			}
		}
	}

	tokens += 3 // role/delimiter overhead
	if msg.Name != "" {
		tokens += 3
	}
	return tokens
}

// CountMessagesTokens prices a full message list plus the conversation-end
// overhead.
func CountMessagesTokens(messages []RequestMessage, family Family) int {
	total := 0
	for _, m := range messages {
		total += CountMessageTokens(m, family)
	}
	total += 3
	return total
}

// ThinkingConfig mirrors the Kiro thinking-mode prefix the upstream prepends
// to the prompt when extended reasoning is requested.
type ThinkingConfig struct {
	Enabled     bool
	BudgetTokens int
}

func normalizeBudget(budget int) int {
	if budget <= 0 {
		budget = 20000
	}
	if budget > 24576 {
		budget = 24576
	}
	return budget
}

// RequestTool is a priced tool/function declaration.
type RequestTool struct {
	Name           string
	Description    string
	ParametersJSON string // json.Marshal(input_schema)
}

// CountRequest prices a full request: system text, the thinking-mode
// prefix if enabled, the message list, and tool declarations (+8 each).
func CountRequest(messages []RequestMessage, system string, tools []RequestTool, family Family, thinking ThinkingConfig) int {
	total := 0

	if system != "" {
		total += EstimateTokens(system, family)
		total += 3
	}

	if thinking.Enabled {
		budget := normalizeBudget(thinking.BudgetTokens)
		prefix := thinkingModePrefix(budget)
		total += EstimateTokens(prefix, family)
	}

	total += CountMessagesTokens(messages, family)

	for _, t := range tools {
		total += EstimateTokens(t.Name, family)
		total += EstimateTokens(t.Description, family)
		total += EstimateTokens(t.ParametersJSON, family)
		total += 8
	}

	return total
}

func thinkingModePrefix(budget int) string {
	return "<thinking_mode>enabled</thinking_mode><max_thinking_length>" + itoa(budget) + "</max_thinking_length>"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MarshalCompact is a small helper adapters use to turn a tool's parameters
// or a tool_use's input into the canonical JSON string this package prices.
func MarshalCompact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
