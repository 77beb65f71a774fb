package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicConverter_SatisfiesConverter(t *testing.T) {
	c, err := New(FormatAnthropic)
	require.NoError(t, err)
	assert.Equal(t, FormatAnthropic, c.Name())
}

func TestAnthropicConverter_RequestRoundTrip(t *testing.T) {
	c := anthropicConverter{}
	body := []byte(`{"model":"claude-3-opus","max_tokens":256,"messages":[{"role":"user","content":"hi"}]}`)

	req, err := c.RequestToIR(body)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-opus", req.Model)
	require.Len(t, req.Messages, 1)
	assert.True(t, req.Messages[0].IsPlainText())

	out, err := c.RequestFromIR(req)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"claude-3-opus"`)
}

func TestAnthropicConverter_StreamChunkToEvents_MessageStart(t *testing.T) {
	c := anthropicConverter{}
	st := NewStreamState()

	events, err := c.StreamChunkToEvents(`{"type":"message_start","message":{"model":"claude-3-opus","usage":{"input_tokens":12,"output_tokens":0}}}`, st)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventMessageStart, events[0].Kind)
	assert.Equal(t, "claude-3-opus", events[0].Model)
	assert.True(t, st.MessageStarted)
	assert.Equal(t, 12, st.Usage.InputTokens)
}

func TestAnthropicConverter_StreamChunkToEvents_TextDelta(t *testing.T) {
	c := anthropicConverter{}
	st := NewStreamState()

	events, err := c.StreamChunkToEvents(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`, st)
	require.NoError(t, err)
	assert.Equal(t, EventContentBlockStart, events[0].Kind)
	assert.Equal(t, BlockText, events[0].BlockKind)

	events, err = c.StreamChunkToEvents(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`, st)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DeltaText, events[0].Delta)
	assert.Equal(t, "hello", events[0].Text)
}

func TestAnthropicConverter_StreamChunkToEvents_ToolUse(t *testing.T) {
	c := anthropicConverter{}
	st := NewStreamState()

	events, err := c.StreamChunkToEvents(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`, st)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, BlockToolUse, events[0].BlockKind)
	assert.Equal(t, "toolu_1", events[0].ToolUseID)
	assert.Equal(t, "get_weather", events[0].ToolName)

	events, err = c.StreamChunkToEvents(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"loc"}}`, st)
	require.NoError(t, err)
	assert.Equal(t, DeltaInputJSON, events[0].Delta)
	assert.Equal(t, `{"loc`, events[0].PartialJSON)
}

func TestAnthropicConverter_StreamChunkToEvents_MessageStop(t *testing.T) {
	c := anthropicConverter{}
	st := NewStreamState()

	events, err := c.StreamChunkToEvents(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`, st)
	require.NoError(t, err)
	assert.Equal(t, EventMessageDelta, events[0].Kind)
	assert.Equal(t, StopEndTurn, events[0].StopReason)
	assert.Equal(t, 42, events[0].Usage.OutputTokens)

	events, err = c.StreamChunkToEvents(`{"type":"message_stop"}`, st)
	require.NoError(t, err)
	assert.Equal(t, EventMessageStop, events[0].Kind)
	assert.True(t, st.Done)
}

func TestAnthropicConverter_StreamChunkToEvents_IgnoresPing(t *testing.T) {
	c := anthropicConverter{}
	st := NewStreamState()

	events, err := c.StreamChunkToEvents(`{"type":"ping"}`, st)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAnthropicConverter_EventsToStreamLines_RoundTrip(t *testing.T) {
	c := anthropicConverter{}
	events := []StreamEvent{
		{Kind: EventMessageStart, Model: "claude-3-opus"},
		{Kind: EventContentBlockStart, Index: 0, BlockKind: BlockText},
		{Kind: EventContentBlockDelta, Index: 0, Delta: DeltaText, Text: "hi"},
		{Kind: EventContentBlockStop, Index: 0},
		{Kind: EventMessageDelta, StopReason: StopEndTurn, Usage: Usage{OutputTokens: 3}},
		{Kind: EventMessageStop},
	}

	lines, err := c.EventsToStreamLines(events)
	require.NoError(t, err)
	require.Len(t, lines, 6)

	st := NewStreamState()
	var replayed []StreamEvent
	for _, line := range lines {
		evs, err := c.StreamChunkToEvents(line, st)
		require.NoError(t, err)
		replayed = append(replayed, evs...)
	}
	require.Len(t, replayed, 6)
	assert.Equal(t, "hi", replayed[2].Text)
	assert.True(t, st.Done)
}
