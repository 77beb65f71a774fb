package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGLMConverter_SatisfiesConverter(t *testing.T) {
	c, err := New(FormatGLM)
	require.NoError(t, err)
	assert.Equal(t, FormatGLM, c.Name())
}

func TestGLMConverter_RequestRoundTrip(t *testing.T) {
	c := glmConverter{}
	body := []byte(`{"model":"glm-4.5","max_tokens":256,"messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"hi"}
	]}`)

	req, err := c.RequestToIR(body)
	require.NoError(t, err)
	assert.Equal(t, "glm-4.5", req.Model)
	require.Len(t, req.System, 1)
	require.Len(t, req.Messages, 1)

	out, err := c.RequestFromIR(req)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"glm-4.5"`)
}

func TestGLMConverter_RequestToIR_ReasoningContentBecomesThinkingBlock(t *testing.T) {
	c := glmConverter{}
	body := []byte(`{"model":"glm-4.5","messages":[
		{"role":"user","content":"solve this"},
		{"role":"assistant","content":"42","reasoning_content":"let me think..."}
	]}`)

	req, err := c.RequestToIR(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assistant := req.Messages[1]
	require.Len(t, assistant.Content, 2)
	assert.Equal(t, BlockThinking, assistant.Content[0].Kind)
	assert.Equal(t, "let me think...", assistant.Content[0].Text)
	assert.Equal(t, "42", assistant.Content[1].Text)
}

func TestGLMConverter_RequestToIR_MissingToolDescriptionDefaultsToName(t *testing.T) {
	c := glmConverter{}
	body := []byte(`{"model":"glm-4.5","messages":[{"role":"user","content":"hi"}],"tools":[
		{"type":"function","function":{"name":"lookup"}}
	]}`)

	req, err := c.RequestToIR(body)
	require.NoError(t, err)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Name)
	assert.Equal(t, "lookup", req.Tools[0].Description)
}

func TestGLMConverter_RequestToIR_ToolResultFoldedIntoNextUserMessage(t *testing.T) {
	c := glmConverter{}
	body := []byte(`{"model":"glm-4.5","messages":[
		{"role":"user","content":"what's the weather?"},
		{"role":"assistant","tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"72F"},
		{"role":"user","content":"thanks"}
	]}`)

	req, err := c.RequestToIR(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)
	folded := req.Messages[2]
	assert.Equal(t, RoleUser, folded.Role)
	assert.Equal(t, BlockToolResult, folded.Content[0].Kind)
	assert.Equal(t, "call_1", folded.Content[0].ToolResultForID)
}

func TestGLMConverter_ResponseRoundTrip(t *testing.T) {
	c := glmConverter{}
	resp := &Response{
		Model: "glm-4.5",
		Content: []ContentBlock{
			{Kind: BlockThinking, Text: "reasoning..."},
			{Kind: BlockText, Text: "answer"},
		},
		StopReason: StopEndTurn,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}

	raw, err := c.ResponseFromIR(resp)
	require.NoError(t, err)

	back, err := c.ResponseToIR(raw)
	require.NoError(t, err)
	assert.Equal(t, "glm-4.5", back.Model)
	require.Len(t, back.Content, 2)
	assert.Equal(t, BlockThinking, back.Content[0].Kind)
	assert.Equal(t, "reasoning...", back.Content[0].Text)
	assert.Equal(t, "answer", back.Content[1].Text)
}

func TestGLMConverter_StreamChunkToEvents_ReasoningThenTextThenToolCall(t *testing.T) {
	c := glmConverter{}
	st := NewStreamState()

	events, err := c.StreamChunkToEvents(`{"model":"glm-4.5","choices":[{"index":0,"delta":{"reasoning_content":"thinking"}}]}`, st)
	require.NoError(t, err)
	require.True(t, st.MessageStarted)
	var sawThinkingStart bool
	for _, ev := range events {
		if ev.Kind == EventContentBlockStart && ev.BlockKind == BlockThinking {
			sawThinkingStart = true
		}
	}
	assert.True(t, sawThinkingStart)

	events, err = c.StreamChunkToEvents(`{"choices":[{"index":0,"delta":{"content":"answer"}}]}`, st)
	require.NoError(t, err)
	var sawTextDelta bool
	for _, ev := range events {
		if ev.Kind == EventContentBlockDelta && ev.Delta == DeltaText {
			sawTextDelta = true
			assert.Equal(t, "answer", ev.Text)
		}
	}
	assert.True(t, sawTextDelta)

	idx := 0
	toolChunk, _ := json.Marshal(glmStreamChunk{Choices: []glmStreamChoice{{Delta: glmStreamDelta{
		ToolCalls: []openAIToolCall{{Index: &idx, ID: "call_1", Function: openAIFunctionCall{Name: "search", Arguments: `{"q":"x"}`}}},
	}}}})
	events, err = c.StreamChunkToEvents(string(toolChunk), st)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventContentBlockStart, events[0].Kind)
	assert.Equal(t, "call_1", events[0].ToolUseID)
	assert.Equal(t, DeltaInputJSON, events[1].Delta)

	finish := "stop"
	endChunk, _ := json.Marshal(glmStreamChunk{Choices: []glmStreamChoice{{FinishReason: &finish}}})
	events, err = c.StreamChunkToEvents(string(endChunk), st)
	require.NoError(t, err)
	var kinds []StreamEventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, EventContentBlockStop)
	assert.Contains(t, kinds, EventMessageDelta)
}

func TestGLMConverter_StreamChunkToEvents_DoneSentinel(t *testing.T) {
	c := glmConverter{}
	st := NewStreamState()

	events, err := c.StreamChunkToEvents("[DONE]", st)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventMessageStop, events[0].Kind)
	assert.True(t, st.Done)
}

func TestGLMConverter_EventsToStreamLines_RoundTrip(t *testing.T) {
	c := glmConverter{}
	events := []StreamEvent{
		{Kind: EventMessageStart, Model: "glm-4.5"},
		{Kind: EventContentBlockDelta, Delta: DeltaThinking, Text: "thinking"},
		{Kind: EventContentBlockDelta, Delta: DeltaText, Text: "answer"},
		{Kind: EventMessageDelta, StopReason: StopEndTurn, Usage: Usage{OutputTokens: 2}},
		{Kind: EventMessageStop},
	}

	lines, err := c.EventsToStreamLines(events)
	require.NoError(t, err)
	require.Len(t, lines, 5)
	assert.Equal(t, "[DONE]", lines[len(lines)-1])

	st := NewStreamState()
	var replayed []StreamEvent
	for _, line := range lines {
		evs, err := c.StreamChunkToEvents(line, st)
		require.NoError(t, err)
		replayed = append(replayed, evs...)
	}
	assert.True(t, st.Done)
}
