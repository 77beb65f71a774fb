package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens_Empty(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("", FamilyOpenAI))
}

func TestEstimateTokens_SingleCJKCharAnthropic(t *testing.T) {
	n := EstimateTokens("你", FamilyAnthropic)
	assert.GreaterOrEqual(t, n, 1)
}

func TestDetectFamily(t *testing.T) {
	cases := []struct {
		model string
		want  Family
	}{
		{"", FamilyOpenAI},
		{"gpt-4-turbo", FamilyOpenAI},
		{"claude-3-5-sonnet-20241022", FamilyAnthropic},
		{"gemini-1.5-pro", FamilyGemini},
		{"some-unknown-model", FamilyOpenAI},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DetectFamily(c.model), c.model)
	}
}

func TestEstimateTokens_WordVsNumberRuns(t *testing.T) {
	// "abc123" should count as exactly one word-run + one number-run,
	// not six per-character charges.
	w := weightTables[FamilyOpenAI]
	got := EstimateTokens("abc123", FamilyOpenAI)
	want := int(ceilFloat(w.word + w.number))
	assert.Equal(t, want, got)
}

func ceilFloat(f float64) float64 {
	i := int(f)
	if float64(i) < f {
		return float64(i + 1)
	}
	return float64(i)
}

func TestEstimator_CountMessages(t *testing.T) {
	e := NewEstimator("gpt-4-turbo", 0)
	n, err := e.CountMessages([]Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestEstimator_DecodeUnsupported(t *testing.T) {
	e := NewEstimator("gpt-4-turbo", 0)
	_, err := e.Decode([]int{1, 2, 3})
	assert.Error(t, err)
}

func TestCountRequest_ToolOverhead(t *testing.T) {
	base := CountRequest(nil, "", nil, FamilyOpenAI, ThinkingConfig{})
	withTool := CountRequest(nil, "", []RequestTool{{Name: "search", Description: "search the web", ParametersJSON: "{}"}}, FamilyOpenAI, ThinkingConfig{})
	assert.Greater(t, withTool, base+8-1) // at least the +8 overhead landed
}

func TestCountMessageTokens_ImageFixedCost(t *testing.T) {
	n := CountMessageTokens(RequestMessage{
		Role:  "user",
		Parts: []Part{{Kind: PartImage}},
	}, FamilyOpenAI)
	assert.GreaterOrEqual(t, n, 1600)
}
