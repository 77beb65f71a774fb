package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindRealTag_IgnoresQuotedOccurrence(t *testing.T) {
	text := `here is "<thinking>" as literal text, then <thinking> for real`
	pos := FindRealTag(text, thinkingStartTag, 0)
	want := len(`here is "<thinking>" as literal text, then `)
	assert.Equal(t, want, pos)
}

func TestFindRealTag_NotFound(t *testing.T) {
	assert.Equal(t, -1, FindRealTag("no tags here", thinkingStartTag, 0))
}

func TestThinkingSplitter_PlainTextOnly(t *testing.T) {
	s := NewThinkingSplitter()
	var out []ThinkingDelta
	out = append(out, s.Feed("hello world")...)
	out = append(out, s.Flush()...)
	// Feed holds back the last len("<thinking>") bytes in case they start a
	// tag; Flush releases them.
	require.Len(t, out, 2)
	assert.False(t, out[0].Thinking)
	assert.Equal(t, "h", out[0].Text)
	assert.False(t, out[1].Thinking)
	assert.Equal(t, "ello world", out[1].Text)
}

func TestThinkingSplitter_FullBlockInOnePiece(t *testing.T) {
	s := NewThinkingSplitter()
	deltas := s.Feed("<thinking>reasoning here</thinking>final answer")
	deltas = append(deltas, s.Flush()...)

	var thinkingText, plainText string
	sawStop := false
	for _, d := range deltas {
		switch {
		case d.StopThinking:
			sawStop = true
		case d.Thinking:
			thinkingText += d.Text
		default:
			plainText += d.Text
		}
	}
	assert.True(t, sawStop)
	assert.Equal(t, "reasoning here", thinkingText)
	assert.Equal(t, "final answer", plainText)
}

func TestThinkingSplitter_TagSplitAcrossFeeds(t *testing.T) {
	s := NewThinkingSplitter()
	var out []ThinkingDelta
	out = append(out, s.Feed("<thin")...)
	out = append(out, s.Feed("king>some reasoning")...)
	out = append(out, s.Feed("</thinking>answer")...)
	out = append(out, s.Flush()...)

	var thinkingText, plainText string
	for _, d := range out {
		if d.StopThinking {
			continue
		}
		if d.Thinking {
			thinkingText += d.Text
		} else {
			plainText += d.Text
		}
	}
	assert.Equal(t, "some reasoning", thinkingText)
	assert.Equal(t, "answer", plainText)
}

func TestThinkingSplitter_UnterminatedThinkingBlockClosedAtFlush(t *testing.T) {
	s := NewThinkingSplitter()
	deltas := s.Feed("<thinking>never closes")
	deltas = append(deltas, s.Flush()...)

	sawStop := false
	var thinkingText string
	for _, d := range deltas {
		if d.StopThinking {
			sawStop = true
			continue
		}
		if d.Thinking {
			thinkingText += d.Text
		}
	}
	assert.True(t, sawStop)
	assert.Equal(t, "never closes", thinkingText)
}

func TestThinkingSplitter_TrimsBlankLineAfterThinkingBlock(t *testing.T) {
	s := NewThinkingSplitter()
	deltas := s.Feed("<thinking>reasoning</thinking>\n\nanswer")
	deltas = append(deltas, s.Flush()...)

	var plainText string
	for _, d := range deltas {
		if !d.Thinking && !d.StopThinking {
			plainText += d.Text
		}
	}
	assert.Equal(t, "answer", plainText)
}
