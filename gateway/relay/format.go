package relay

import (
	"bytes"

	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/distribute"
)

// ClientFormat maps the wire format the distributor detected on an inbound
// request onto the convert package's format vocabulary. The OpenAI
// Responses API has no dedicated converter yet, so it rides on the chat-
// completions one; both are "OpenAI JSON in, OpenAI JSON out" at the level
// convert cares about.
func ClientFormat(f distribute.Format) convert.Format {
	switch f {
	case distribute.FormatAnthropic:
		return convert.FormatAnthropic
	case distribute.FormatGemini:
		return convert.FormatGemini
	case distribute.FormatOpenAI, distribute.FormatOpenAIResponses:
		return convert.FormatOpenAI
	default:
		return convert.FormatOpenAI
	}
}

// providerRequestFormat is the wire shape an adapter's Chat expects req.Body
// to already be rendered into, per each adapter's own Chat implementation:
// openai/anthropic/gemini forward their native bytes verbatim, while glm
// speaks its own near-OpenAI dialect and kiro parses an Anthropic body
// internally (see provider.KiroAdapter.Chat).
func providerRequestFormat(providerType string) convert.Format {
	switch providerType {
	case "anthropic", "kiro":
		return convert.FormatAnthropic
	case "gemini":
		return convert.FormatGemini
	case "glm":
		return convert.FormatGLM
	default:
		return convert.FormatOpenAI
	}
}

// providerResponseFormat is the wire shape an adapter's Chat hands back on
// its Chunk channel. glm and kiro both normalize their own streams into
// Anthropic SSE before returning (see streamGLMAsAnthropicSSE and
// streamKiroAsAnthropicSSE), so unlike the request side they never echo
// their own native shape back out.
func providerResponseFormat(providerType string) convert.Format {
	switch providerType {
	case "anthropic", "kiro", "glm":
		return convert.FormatAnthropic
	case "gemini":
		return convert.FormatGemini
	default:
		return convert.FormatOpenAI
	}
}

// frameLines wraps rendered wire lines in SSE framing for target. Anthropic
// is the one format whose SSE carries a named "event:" line ahead of each
// "data:" line (see provider.frameAnthropicSSE, which this mirrors for the
// client-facing side); the others are plain "data: <line>\n\n".
func frameLines(target convert.Format, events []convert.StreamEvent, lines []string) []byte {
	var buf bytes.Buffer
	for i, line := range lines {
		if target == convert.FormatAnthropic {
			kind := "message"
			if i < len(events) {
				kind = string(events[i].Kind)
			}
			buf.WriteString("event: ")
			buf.WriteString(kind)
			buf.WriteString("\n")
		}
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n\n")
	}
	return buf.Bytes()
}
