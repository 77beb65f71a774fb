package compress

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/store"
)

func textMessage(role convert.Role, text string) convert.Message {
	return convert.Message{Role: role, Content: []convert.ContentBlock{{Kind: convert.BlockText, Text: text}}}
}

func TestCompress_PassesThroughBelowThreshold(t *testing.T) {
	messages := []convert.Message{
		textMessage(convert.RoleUser, "hi"),
	}
	cfg := store.CacheConfig{ContextCompressionEnabled: true, ContextCompressionThreshold: 1000, ContextCompressionTarget: 500}

	res, err := Compress(context.Background(), nil, messages, "gpt-4o", cfg, nil)
	require.NoError(t, err)
	assert.False(t, res.WasCompressed)
	assert.Equal(t, messages, res.Messages)
}

func TestCompress_Disabled_PassesThroughRegardless(t *testing.T) {
	messages := []convert.Message{textMessage(convert.RoleUser, strings.Repeat("word ", 10000))}
	cfg := store.CacheConfig{ContextCompressionEnabled: false, ContextCompressionThreshold: 1}

	res, err := Compress(context.Background(), nil, messages, "gpt-4o", cfg, nil)
	require.NoError(t, err)
	assert.False(t, res.WasCompressed)
}

func TestCompress_SlidingWindow_KeepsLastUserAndCleansSequence(t *testing.T) {
	messages := []convert.Message{
		textMessage(convert.RoleUser, strings.Repeat("alpha ", 500)),
		textMessage(convert.RoleAssistant, strings.Repeat("beta ", 500)),
		textMessage(convert.RoleUser, strings.Repeat("gamma ", 500)),
		textMessage(convert.RoleAssistant, strings.Repeat("delta ", 500)),
		textMessage(convert.RoleUser, "final question"),
	}
	cfg := store.CacheConfig{
		ContextCompressionEnabled:  true,
		ContextCompressionThreshold: 10,
		ContextCompressionTarget:    20, // tiny budget forces heavy trimming
		ContextCompressionStrategy:  store.CompressionSlidingWindow,
	}

	res, err := Compress(context.Background(), nil, messages, "gpt-4o", cfg, nil)
	require.NoError(t, err)
	assert.True(t, res.WasCompressed)
	require.NotEmpty(t, res.Messages)
	assert.Equal(t, convert.RoleUser, res.Messages[0].Role)
	assert.Equal(t, convert.RoleUser, res.Messages[len(res.Messages)-1].Role)

	for i := 1; i < len(res.Messages); i++ {
		assert.NotEqual(t, res.Messages[i-1].Role, res.Messages[i].Role, "alternation violated at %d", i)
	}
}

func TestCompress_SlidingWindow_NoLastUserMessageFails(t *testing.T) {
	messages := []convert.Message{
		textMessage(convert.RoleAssistant, "hello"),
	}
	cfg := store.CacheConfig{
		ContextCompressionEnabled:  true,
		ContextCompressionThreshold: 0,
		ContextCompressionTarget:    10,
		ContextCompressionStrategy:  store.CompressionSlidingWindow,
	}

	_, err := Compress(context.Background(), nil, messages, "gpt-4o", cfg, nil)
	require.Error(t, err)
}

func TestCompress_Summary_ComposesHistoryAndLastUser(t *testing.T) {
	messages := []convert.Message{
		textMessage(convert.RoleUser, "first turn"),
		textMessage(convert.RoleAssistant, "first reply"),
		textMessage(convert.RoleUser, "the actual question"),
	}
	cfg := store.CacheConfig{
		ContextCompressionEnabled:  true,
		ContextCompressionThreshold: 0,
		ContextCompressionStrategy:  store.CompressionSummary,
		SummaryModel:                "glm-4-flash",
	}

	var summarizedModel string
	summarize := func(ctx context.Context, model string, msgs []convert.Message) (string, error) {
		summarizedModel = model
		return "user asked about X", nil
	}

	res, err := Compress(context.Background(), nil, messages, "gpt-4o", cfg, summarize)
	require.NoError(t, err)
	assert.True(t, res.WasCompressed)
	assert.Equal(t, "glm-4-flash", summarizedModel)
	require.Len(t, res.Messages, 2)
	assert.Contains(t, res.Messages[0].Text(), historySummaryPreamble)
	assert.Contains(t, res.Messages[0].Text(), "user asked about X")
	assert.Equal(t, "the actual question", res.Messages[1].Text())
}

func TestCompress_Hybrid_KeepsTailMessagesVerbatim(t *testing.T) {
	messages := []convert.Message{
		textMessage(convert.RoleUser, "t1"),
		textMessage(convert.RoleAssistant, "t2"),
		textMessage(convert.RoleUser, "t3"),
		textMessage(convert.RoleAssistant, "t4"),
		textMessage(convert.RoleUser, "final"),
	}
	cfg := store.CacheConfig{
		ContextCompressionEnabled:  true,
		ContextCompressionThreshold: 0,
		ContextCompressionStrategy:  store.CompressionHybrid,
		SummaryModel:                "glm-4-flash",
	}
	summarize := func(ctx context.Context, model string, msgs []convert.Message) (string, error) {
		return "summary", nil
	}

	res, err := Compress(context.Background(), nil, messages, "gpt-4o", cfg, summarize)
	require.NoError(t, err)
	assert.True(t, res.WasCompressed)
	var texts []string
	for _, m := range res.Messages {
		texts = append(texts, m.Text())
	}
	assert.Contains(t, texts[0], "summary")
	assert.Equal(t, "final", texts[len(texts)-1])
}

func TestCompress_SummaryFailureFallsBackToSlidingWindow(t *testing.T) {
	messages := []convert.Message{
		textMessage(convert.RoleUser, "first"),
		textMessage(convert.RoleAssistant, "reply"),
		textMessage(convert.RoleUser, "last"),
	}
	cfg := store.CacheConfig{
		ContextCompressionEnabled:  true,
		ContextCompressionThreshold: 0,
		ContextCompressionTarget:    1000,
		ContextCompressionStrategy:  store.CompressionSummary,
	}
	summarize := func(ctx context.Context, model string, msgs []convert.Message) (string, error) {
		return "", errSummarizeFailed
	}

	res, err := Compress(context.Background(), nil, messages, "gpt-4o", cfg, summarize)
	require.NoError(t, err)
	assert.True(t, res.WasCompressed)
	assert.Equal(t, "last", res.Messages[len(res.Messages)-1].Text())
}

var errSummarizeFailed = errors.New("summarize failed")

func TestCleanAnthropicSequence_StripsUnmatchedToolUse(t *testing.T) {
	messages := []convert.Message{
		textMessage(convert.RoleUser, "hi"),
		{Role: convert.RoleAssistant, Content: []convert.ContentBlock{{Kind: convert.BlockToolUse, ToolUseID: "t1", ToolName: "search"}}},
		textMessage(convert.RoleUser, "unrelated follow-up"),
	}

	cleaned := cleanAnthropicSequence(messages)
	for _, m := range cleaned {
		for _, b := range m.Content {
			assert.NotEqual(t, convert.BlockToolUse, b.Kind)
		}
	}
}

func TestCleanAnthropicSequence_DropsTrailingAssistant(t *testing.T) {
	messages := []convert.Message{
		textMessage(convert.RoleUser, "hi"),
		textMessage(convert.RoleAssistant, "hello"),
	}
	cleaned := cleanAnthropicSequence(messages)
	require.NotEmpty(t, cleaned)
	assert.Equal(t, convert.RoleUser, cleaned[len(cleaned)-1].Role)
}

func TestApplyCacheMarkers_MarksSystemAndLastTwoUserMessages(t *testing.T) {
	system := []convert.ContentBlock{{Kind: convert.BlockText, Text: "system prompt"}}
	messages := []convert.Message{
		textMessage(convert.RoleUser, "first"),
		textMessage(convert.RoleAssistant, "reply"),
		textMessage(convert.RoleUser, "second"),
		textMessage(convert.RoleAssistant, "reply2"),
		textMessage(convert.RoleUser, "third"),
	}

	ApplyCacheMarkers(system, messages, true)

	require.NotNil(t, system[0].Cache)
	assert.Nil(t, messages[0].Content[0].Cache) // "first" is not among last two user messages
	require.NotNil(t, messages[2].Content[0].Cache)
	require.NotNil(t, messages[4].Content[0].Cache)
}

func TestApplyCacheMarkers_Disabled_NoOp(t *testing.T) {
	system := []convert.ContentBlock{{Kind: convert.BlockText, Text: "system prompt"}}
	messages := []convert.Message{textMessage(convert.RoleUser, "hi")}

	ApplyCacheMarkers(system, messages, false)

	assert.Nil(t, system[0].Cache)
	assert.Nil(t, messages[0].Content[0].Cache)
}

func TestEstimateMessageTokens(t *testing.T) {
	messages := []convert.Message{textMessage(convert.RoleUser, "hello world")}
	assert.Greater(t, EstimateMessageTokens(messages, "gpt-4o"), 0)
}
