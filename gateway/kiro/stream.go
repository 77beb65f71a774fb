package kiro

import (
	"encoding/json"
	"strings"

	"github.com/llmgateway/gateway/gateway/convert"
)

// ToolCall is one tool invocation recovered from a Kiro stream, accumulated
// across however many toolUse/toolUseInput/toolUseStop fragments it took to
// arrive.
type ToolCall struct {
	ID    string
	Name  string
	Input string // raw accumulated JSON text
}

// StreamAssembler turns the raw fragments ParseBuffer recovers from a Kiro
// response body into Anthropic-shaped stream events, folding inline
// <thinking> tags into a dedicated thinking content block the way the
// provider's _chat_stream does. Unlike a true incremental translator, tool
// calls are withheld until Finish — Kiro itself only finalizes a tool's
// input once its stop fragment arrives, so there is nothing useful to
// stream mid-call.
type StreamAssembler struct {
	thinkingRequested bool
	splitter          *ThinkingSplitter

	buffer string

	textBlockIndex     int
	textBlockOpen      bool
	thinkingBlockIndex int
	thinkingBlockOpen  bool
	nextIndex          int
	stoppedBlocks      map[int]bool

	lastContent  string
	totalContent string

	tools       []ToolCall
	currentTool *ToolCall

	contextUsagePercentage *float64
	usageDelta             *float64
}

// NewStreamAssembler returns an assembler for one Kiro response.
// thinkingRequested mirrors whether the originating request asked for
// extended thinking — Kiro only emits <thinking> tags when it does.
func NewStreamAssembler(thinkingRequested bool) *StreamAssembler {
	return &StreamAssembler{
		thinkingRequested:  thinkingRequested,
		splitter:           NewThinkingSplitter(),
		textBlockIndex:     -1,
		thinkingBlockIndex: -1,
		stoppedBlocks:      make(map[int]bool),
	}
}

// MessageStart returns the message_start event. Callers emit it once,
// before feeding any response bytes, with the request's estimated input
// token count.
func MessageStart(model string, inputTokens int) convert.StreamEvent {
	return convert.StreamEvent{
		Kind: convert.EventMessageStart, Model: model,
		Usage: convert.Usage{InputTokens: inputTokens},
	}
}

func (a *StreamAssembler) ensureTextBlock() []convert.StreamEvent {
	if a.textBlockOpen {
		return nil
	}
	a.textBlockIndex = a.nextIndex
	a.nextIndex++
	a.textBlockOpen = true
	return []convert.StreamEvent{{Kind: convert.EventContentBlockStart, Index: a.textBlockIndex, BlockKind: convert.BlockText}}
}

func (a *StreamAssembler) ensureThinkingBlock() []convert.StreamEvent {
	if a.thinkingBlockOpen {
		return nil
	}
	a.thinkingBlockIndex = a.nextIndex
	a.nextIndex++
	a.thinkingBlockOpen = true
	return []convert.StreamEvent{{Kind: convert.EventContentBlockStart, Index: a.thinkingBlockIndex, BlockKind: convert.BlockThinking}}
}

func (a *StreamAssembler) stopBlock(index int) []convert.StreamEvent {
	if index < 0 || a.stoppedBlocks[index] {
		return nil
	}
	a.stoppedBlocks[index] = true
	return []convert.StreamEvent{{Kind: convert.EventContentBlockStop, Index: index}}
}

func (a *StreamAssembler) textDelta(text string) []convert.StreamEvent {
	events := a.ensureTextBlock()
	return append(events, convert.StreamEvent{Kind: convert.EventContentBlockDelta, Index: a.textBlockIndex, Delta: convert.DeltaText, Text: text})
}

func (a *StreamAssembler) applyThinkingDeltas(deltas []ThinkingDelta) []convert.StreamEvent {
	var events []convert.StreamEvent
	for _, d := range deltas {
		if d.StopThinking {
			events = append(events, a.stopBlock(a.thinkingBlockIndex)...)
			continue
		}
		if d.Thinking {
			events = append(events, a.ensureThinkingBlock()...)
			events = append(events, convert.StreamEvent{Kind: convert.EventContentBlockDelta, Index: a.thinkingBlockIndex, Delta: convert.DeltaThinking, Text: d.Text})
			continue
		}
		events = append(events, a.textDelta(d.Text)...)
	}
	return events
}

// Feed consumes newly arrived response bytes and returns the stream events
// they produce. Tool-call fragments are accumulated silently; their events
// are only returned by Finish.
func (a *StreamAssembler) Feed(chunk []byte) []convert.StreamEvent {
	a.buffer += string(chunk)
	raw, remaining := ParseBuffer(a.buffer)
	a.buffer = remaining

	var events []convert.StreamEvent
	for _, ev := range raw {
		events = append(events, a.handleRaw(ev)...)
	}
	return events
}

func (a *StreamAssembler) handleRaw(ev RawEvent) []convert.StreamEvent {
	switch ev.Kind {
	case RawEventContent:
		if ev.Content == a.lastContent {
			return nil
		}
		a.lastContent = ev.Content
		a.totalContent += ev.Content
		if !a.thinkingRequested {
			return a.textDelta(ev.Content)
		}
		return a.applyThinkingDeltas(a.splitter.Feed(ev.Content))

	case RawEventToolUse:
		if ev.ToolName != "" {
			a.totalContent += ev.ToolName
		}
		if ev.ToolInput != "" {
			a.totalContent += ev.ToolInput
		}
		if a.currentTool != nil && a.currentTool.ID == ev.ToolUseID {
			a.currentTool.Input += ev.ToolInput
		} else {
			if a.currentTool != nil {
				a.tools = append(a.tools, *a.currentTool)
			}
			a.currentTool = &ToolCall{ID: ev.ToolUseID, Name: ev.ToolName, Input: ev.ToolInput}
		}
		if ev.ToolStop {
			a.tools = append(a.tools, *a.currentTool)
			a.currentTool = nil
		}

	case RawEventToolUseInput:
		a.totalContent += ev.ToolInput
		if a.currentTool != nil {
			a.currentTool.Input += ev.ToolInput
		}

	case RawEventToolUseStop:
		if a.currentTool != nil && ev.ToolStop {
			a.tools = append(a.tools, *a.currentTool)
			a.currentTool = nil
		}

	case RawEventContextUsage:
		v := ev.ContextUsagePercentage
		a.contextUsagePercentage = &v

	case RawEventUsage:
		unit := strings.ToLower(ev.Unit)
		unitPlural := strings.ToLower(ev.UnitPlural)
		if unit == "credit" || unitPlural == "credits" {
			v := ev.Usage
			a.usageDelta = &v
		}
	}
	return nil
}

// Finish closes every open content block, emits any withheld tool calls,
// and returns the trailing message_delta/message_stop pair. outputTokens
// is the caller-supplied token count for the full assembled content
// (the Kiro adapter passes tokenizer.EstimateTokens over TotalContent plus
// each tool call's accumulated input).
func (a *StreamAssembler) Finish(outputTokens int) []convert.StreamEvent {
	var events []convert.StreamEvent

	if a.currentTool != nil {
		a.tools = append(a.tools, *a.currentTool)
		a.currentTool = nil
	}

	events = append(events, a.applyThinkingDeltas(a.splitter.Flush())...)
	events = append(events, a.stopBlock(a.textBlockIndex)...)

	for _, t := range a.tools {
		idx := a.nextIndex
		a.nextIndex++
		input, ok := jsonObjectOrRaw(t.Input)
		_ = ok
		events = append(events,
			convert.StreamEvent{Kind: convert.EventContentBlockStart, Index: idx, BlockKind: convert.BlockToolUse, ToolUseID: t.ID, ToolName: t.Name},
			convert.StreamEvent{Kind: convert.EventContentBlockDelta, Index: idx, Delta: convert.DeltaInputJSON, PartialJSON: input},
			convert.StreamEvent{Kind: convert.EventContentBlockStop, Index: idx},
		)
	}

	stopReason := convert.StopEndTurn
	if len(a.tools) > 0 {
		stopReason = convert.StopToolUse
	}
	events = append(events, convert.StreamEvent{Kind: convert.EventMessageDelta, StopReason: stopReason, Usage: convert.Usage{OutputTokens: outputTokens}})
	events = append(events, convert.StreamEvent{Kind: convert.EventMessageStop})
	return events
}

// jsonObjectOrRaw reports whether input parses as JSON. Empty input becomes
// "{}"; any other input is returned unchanged, so a malformed upstream
// fragment is passed on as raw text rather than re-encoded.
func jsonObjectOrRaw(input string) (string, bool) {
	if input == "" {
		return "{}", false
	}
	var v any
	if err := json.Unmarshal([]byte(input), &v); err != nil {
		return input, false
	}
	return input, true
}

// TotalContent returns every content fragment seen so far, concatenated —
// used for output-token accounting alongside any accumulated tool calls.
func (a *StreamAssembler) TotalContent() string { return a.totalContent }

// Tools returns the tool calls finalized so far (only complete once Finish
// has run).
func (a *StreamAssembler) Tools() []ToolCall { return a.tools }

// ContextUsagePercentage returns the most recently observed context-window
// usage figure, or nil if Kiro never reported one for this response.
func (a *StreamAssembler) ContextUsagePercentage() *float64 { return a.contextUsagePercentage }

// UsageDelta returns the credit-unit usage delta Kiro reported, or nil.
func (a *StreamAssembler) UsageDelta() *float64 { return a.usageDelta }
