// Package compress implements the context compressor and prompt-cache
// marker (§4.8): when a conversation's estimated token count exceeds a
// configured threshold, it shrinks the message list under one of three
// strategies before the request goes upstream, and independently it can
// mark up to three trailing text segments as ephemeral prompt-cache
// breakpoints.
package compress

import (
	"context"
	"fmt"

	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/store"
	"github.com/llmgateway/gateway/gateway/tokenizer"
)

// historySummaryPreamble prefixes the synthesized summary message, matching
// the literal Chinese label the original gateway emits so compressed
// transcripts remain recognizable across implementations.
const historySummaryPreamble = "[历史对话总结]\n"

// hybridTailMessages is how many trailing conversational messages the
// hybrid strategy keeps verbatim after the summary, per §4.8.
const hybridTailMessages = 4

// Summarizer calls a cheap model to summarize everything but the last user
// message. Callers wire this to a relay-owned adapter call; compress itself
// has no opinion on which provider serves it beyond the config's
// SummaryModel name.
type Summarizer func(ctx context.Context, model string, messages []convert.Message) (string, error)

// Result is what Compress returns, per §4.8's "(messages, was_compressed,
// original_tokens, compressed_tokens)" contract.
type Result struct {
	Messages         []convert.Message
	WasCompressed    bool
	OriginalTokens   int
	CompressedTokens int
}

// EstimateMessageTokens sums the tokenizer estimate across every message's
// text content, the pre-flight check Compress uses against
// cfg.ContextCompressionThreshold.
func EstimateMessageTokens(messages []convert.Message, model string) int {
	family := tokenizer.DetectFamily(model)
	total := 0
	for _, m := range messages {
		total += tokenizer.EstimateTokens(m.Text(), family)
	}
	return total
}

// Compress applies cfg's configured strategy to messages if estimated
// tokens meet cfg.ContextCompressionThreshold, passing through unchanged
// otherwise. system is kept verbatim by every strategy and is only used
// here to size the sliding-window budget; it is never summarized.
func Compress(ctx context.Context, system []convert.ContentBlock, messages []convert.Message, model string, cfg store.CacheConfig, summarize Summarizer) (Result, error) {
	if !cfg.ContextCompressionEnabled {
		return Result{Messages: messages}, nil
	}

	originalTokens := EstimateMessageTokens(messages, model)
	if originalTokens < cfg.ContextCompressionThreshold {
		return Result{Messages: messages, OriginalTokens: originalTokens, CompressedTokens: originalTokens}, nil
	}

	var (
		out []convert.Message
		err error
	)
	switch cfg.ContextCompressionStrategy {
	case store.CompressionSummary:
		out, err = summaryCompress(ctx, system, messages, model, cfg, summarize, 1)
	case store.CompressionHybrid:
		out, err = summaryCompress(ctx, system, messages, model, cfg, summarize, hybridTailMessages)
	default:
		out, err = slidingWindowCompress(system, messages, model, cfg)
	}
	if err != nil {
		// Any failure in summary/hybrid falls back to sliding_window per §4.8.
		out, err = slidingWindowCompress(system, messages, model, cfg)
		if err != nil {
			return Result{}, err
		}
	}

	compressedTokens := EstimateMessageTokens(out, model)
	return Result{
		Messages:         out,
		WasCompressed:    true,
		OriginalTokens:   originalTokens,
		CompressedTokens: compressedTokens,
	}, nil
}

// lastUserIndex returns the index of the last user-role message, or -1.
func lastUserIndex(messages []convert.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == convert.RoleUser {
			return i
		}
	}
	return -1
}

// slidingWindowCompress keeps system verbatim (by the caller; this function
// only sizes against it) and greedily includes tail messages, working
// backward from the required last user message, until the cumulative token
// budget (target − system_tokens) is exhausted. The result is then cleaned
// to satisfy Anthropic's alternation/tool-pairing invariants.
func slidingWindowCompress(system []convert.ContentBlock, messages []convert.Message, model string, cfg store.CacheConfig) ([]convert.Message, error) {
	if lastUserIndex(messages) < 0 {
		return nil, fmt.Errorf("compress: sliding_window requires a last user message")
	}

	family := tokenizer.DetectFamily(model)
	systemTokens := 0
	for _, b := range system {
		systemTokens += tokenizer.EstimateTokens(b.Text, family)
	}
	budget := cfg.ContextCompressionTarget - systemTokens
	if budget < 0 {
		budget = 0
	}

	var kept []convert.Message
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := tokenizer.EstimateTokens(messages[i].Text(), family)
		if len(kept) > 0 && used+cost > budget {
			break
		}
		kept = append([]convert.Message{messages[i]}, kept...)
		used += cost
	}

	return cleanAnthropicSequence(kept), nil
}

// cleanAnthropicSequence enforces §4.8's Anthropic invariants: (a) start
// with user, (b) strict user/assistant alternation, (c) strip an
// unmatched tool_use/tool_result pair, (d) drop a trailing assistant so the
// sequence ends on user.
func cleanAnthropicSequence(messages []convert.Message) []convert.Message {
	// (a) drop any leading non-user messages.
	start := 0
	for start < len(messages) && messages[start].Role != convert.RoleUser {
		start++
	}
	messages = messages[start:]
	if len(messages) == 0 {
		return messages
	}

	// (b) strict alternation: drop a message whose role matches its
	// predecessor's, keeping the earlier one.
	var alternated []convert.Message
	for _, m := range messages {
		if len(alternated) > 0 && alternated[len(alternated)-1].Role == m.Role {
			continue
		}
		alternated = append(alternated, m)
	}
	messages = alternated

	// (c) strip tool_use with no matching next-user tool_result, and
	// tool_result with no matching prior-assistant tool_use.
	messages = convert.StripUnmatchedToolPairs(messages)

	// (d) drop a trailing assistant so the sequence ends on user.
	for len(messages) > 0 && messages[len(messages)-1].Role == convert.RoleAssistant {
		messages = messages[:len(messages)-1]
	}

	return messages
}

// summaryCompress sends every message except the trailing tailLen messages
// to cfg.SummaryModel, composing [system…] + user(summary) + <tail verbatim>.
// Plain summary keeps only the last user message as the tail (tailLen=1);
// hybrid additionally keeps the hybridTailMessages-1 messages before it, per
// §4.8.
func summaryCompress(ctx context.Context, system []convert.ContentBlock, messages []convert.Message, model string, cfg store.CacheConfig, summarize Summarizer, tailLen int) ([]convert.Message, error) {
	if summarize == nil {
		return nil, fmt.Errorf("compress: summary strategy requires a Summarizer")
	}
	if lastUserIndex(messages) < 0 {
		return nil, fmt.Errorf("compress: summary requires a last user message")
	}
	if tailLen < 1 {
		tailLen = 1
	}
	if tailLen > len(messages) {
		tailLen = len(messages)
	}

	toSummarize := messages[:len(messages)-tailLen]
	tail := messages[len(messages)-tailLen:]

	summary, err := summarize(ctx, cfg.SummaryModel, toSummarize)
	if err != nil {
		return nil, fmt.Errorf("compress: summarize: %w", err)
	}

	out := make([]convert.Message, 0, len(tail)+1)
	out = append(out, convert.Message{
		Role:    convert.RoleUser,
		Content: []convert.ContentBlock{{Kind: convert.BlockText, Text: historySummaryPreamble + summary}},
	})
	out = append(out, tail...)

	return out, nil
}

// ApplyCacheMarkers marks up to three ephemeral prompt-cache breakpoints on
// the trailing text block of: the system prompt, the second-to-last user
// message, and the last user message, per §4.8. Markers are only placed on
// blocks that exist; a request with zero or one user message simply gets
// fewer breakpoints. No-op if enabled is false.
func ApplyCacheMarkers(system []convert.ContentBlock, messages []convert.Message, enabled bool) {
	if !enabled {
		return
	}

	markLastText(system)

	userIdx := userMessageIndices(messages)
	if n := len(userIdx); n >= 2 {
		markLastText(messages[userIdx[n-2]].Content)
	}
	if n := len(userIdx); n >= 1 {
		markLastText(messages[userIdx[n-1]].Content)
	}
}

func userMessageIndices(messages []convert.Message) []int {
	var idx []int
	for i, m := range messages {
		if m.Role == convert.RoleUser {
			idx = append(idx, i)
		}
	}
	return idx
}

// markLastText sets the ephemeral cache breakpoint on content's last
// text-bearing block, if any.
func markLastText(content []convert.ContentBlock) {
	i := convert.LastTextBlockIndex(content)
	if i < 0 {
		return
	}
	content[i].Cache = &convert.CacheControl{Type: "ephemeral"}
}
