package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuffer_SingleContentFragment(t *testing.T) {
	events, remaining := ParseBuffer(`{"content":"hello"}`)
	require.Len(t, events, 1)
	assert.Equal(t, RawEventContent, events[0].Kind)
	assert.Equal(t, "hello", events[0].Content)
	assert.Empty(t, remaining)
}

func TestParseBuffer_BraceInsideStringDoesNotConfuseScan(t *testing.T) {
	events, remaining := ParseBuffer(`{"content":"a } b { c"}`)
	require.Len(t, events, 1)
	assert.Equal(t, `a } b { c`, events[0].Content)
	assert.Empty(t, remaining)
}

func TestParseBuffer_EscapedQuoteInsideString(t *testing.T) {
	events, _ := ParseBuffer(`{"content":"she said \"hi\""}`)
	require.Len(t, events, 1)
	assert.Equal(t, `she said "hi"`, events[0].Content)
}

func TestParseBuffer_IncompleteFragmentHeldBack(t *testing.T) {
	events, remaining := ParseBuffer(`{"content":"partial`)
	assert.Empty(t, events)
	assert.Equal(t, `{"content":"partial`, remaining)
}

func TestParseBuffer_ToolUseLifecycle(t *testing.T) {
	buf := `{"name":"search","toolUseId":"t1"}{"input":"{\"q\":"}{"input":"\"x\"}"}{"stop":true}`
	events, remaining := ParseBuffer(buf)
	assert.Empty(t, remaining)
	require.Len(t, events, 4)
	assert.Equal(t, RawEventToolUse, events[0].Kind)
	assert.Equal(t, "search", events[0].ToolName)
	assert.Equal(t, "t1", events[0].ToolUseID)
	assert.Equal(t, RawEventToolUseInput, events[1].Kind)
	assert.Equal(t, RawEventToolUseInput, events[2].Kind)
	assert.Equal(t, RawEventToolUseStop, events[3].Kind)
	assert.True(t, events[3].ToolStop)
}

func TestParseBuffer_ContextUsageFallback(t *testing.T) {
	events, _ := ParseBuffer(`{"contextUsagePercentage":42.5}`)
	require.Len(t, events, 1)
	assert.Equal(t, RawEventContextUsage, events[0].Kind)
	assert.Equal(t, 42.5, events[0].ContextUsagePercentage)
}

func TestParseBuffer_UsageEvent(t *testing.T) {
	events, _ := ParseBuffer(`{"unit":"credit","unitPlural":"credits","usage":3}`)
	require.Len(t, events, 1)
	assert.Equal(t, RawEventUsage, events[0].Kind)
	assert.Equal(t, 3.0, events[0].Usage)
}

func TestParseBuffer_FollowupPromptSuppressesContent(t *testing.T) {
	// A fragment carrying both "content" and "followupPrompt" keys isn't a
	// real content delta (it's Kiro's end-of-turn suggestion payload).
	events, _ := ParseBuffer(`{"content":"ignored","followupPrompt":"try this next"}`)
	assert.Empty(t, events)
}

func TestParseBuffer_MultipleFragmentsAcrossCalls(t *testing.T) {
	events1, remaining := ParseBuffer(`{"content":"hel`)
	assert.Empty(t, events1)
	events2, remaining2 := ParseBuffer(remaining + `lo"}{"content":" world"}`)
	require.Len(t, events2, 2)
	assert.Equal(t, "hello", events2[0].Content)
	assert.Equal(t, " world", events2[1].Content)
	assert.Empty(t, remaining2)
}
