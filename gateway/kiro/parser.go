// Package kiro implements component C3: parsing Kiro's raw AWS
// event-stream byte buffer into typed fragments, and folding Kiro's
// inline <thinking> tag convention into proper thinking content blocks,
// grounded on the original provider's buffer-scanning and tag-finding
// helpers.
package kiro

import (
	"encoding/json"
)

// RawEventKind tags one fragment recovered from a Kiro event-stream buffer.
type RawEventKind string

const (
	RawEventContent      RawEventKind = "content"
	RawEventToolUse      RawEventKind = "tool_use"
	RawEventToolUseInput RawEventKind = "tool_use_input"
	RawEventToolUseStop  RawEventKind = "tool_use_stop"
	RawEventContextUsage RawEventKind = "context_usage"
	RawEventUsage        RawEventKind = "usage"
)

// RawEvent is one fragment of the Kiro wire protocol, already demultiplexed
// by shape from the raw buffer.
type RawEvent struct {
	Kind RawEventKind

	Content string // RawEventContent

	ToolName  string // RawEventToolUse
	ToolUseID string // RawEventToolUse
	ToolInput string // RawEventToolUse / RawEventToolUseInput
	ToolStop  bool   // RawEventToolUse / RawEventToolUseStop

	ContextUsagePercentage float64 // RawEventContextUsage

	Usage      float64 // RawEventUsage
	Unit       string
	UnitPlural string
}

// rawFragment mirrors every possible field across the seven JSON shapes
// Kiro's event stream emits, so one Unmarshal call can dispatch on which
// fields happen to be present.
type rawFragment struct {
	Content               *string  `json:"content"`
	FollowupPrompt        *string  `json:"followupPrompt"`
	Name                  string   `json:"name"`
	ToolUseID             string   `json:"toolUseId"`
	Input                 *string  `json:"input"`
	Stop                  *bool    `json:"stop"`
	ContextUsagePercentage *float64 `json:"contextUsagePercentage"`
	Usage                 *float64 `json:"usage"`
	Unit                  string   `json:"unit"`
	UnitPlural            string   `json:"unitPlural"`
}

// the seven literal JSON-object prefixes _parse_aws_event_stream_buffer
// scans for, in the order their earliest occurrence wins ties.
var fragmentPrefixes = []string{
	`{"content":`,
	`{"name":`,
	`{"followupPrompt":`,
	`{"input":`,
	`{"stop":`,
	`{"contextUsagePercentage":`,
	`{"unit":`,
}

// ParseBuffer scans buffer for complete JSON object fragments starting at
// any of the seven known prefixes, brace-balancing string-aware so braces
// inside quoted content don't confuse the scan. It returns every complete
// fragment found and the unconsumed remainder (a fragment whose closing
// brace hasn't arrived yet, or trailing bytes after the last complete one).
func ParseBuffer(buffer string) ([]RawEvent, string) {
	var events []RawEvent
	searchStart := 0

	for {
		jsonStart := -1
		for _, prefix := range fragmentPrefixes {
			idx := indexFrom(buffer, prefix, searchStart)
			if idx >= 0 && (jsonStart == -1 || idx < jsonStart) {
				jsonStart = idx
			}
		}
		if jsonStart == -1 {
			break
		}

		jsonEnd := findBalancedObjectEnd(buffer, jsonStart)
		if jsonEnd < 0 {
			return events, buffer[jsonStart:]
		}

		jsonStr := buffer[jsonStart : jsonEnd+1]
		if ev, ok := decodeFragment(jsonStr); ok {
			events = append(events, ev)
		}

		searchStart = jsonEnd + 1
		if searchStart >= len(buffer) {
			return events, ""
		}
	}

	if searchStart > 0 {
		return events, buffer[searchStart:]
	}
	return events, buffer
}

func indexFrom(s, sub string, start int) int {
	if start >= len(s) {
		return -1
	}
	idx := indexOf(s[start:], sub)
	if idx < 0 {
		return -1
	}
	return start + idx
}

func indexOf(s, sub string) int {
	n := len(sub)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(s); i++ {
		if s[i:i+n] == sub {
			return i
		}
	}
	return -1
}

// findBalancedObjectEnd returns the index of the closing brace matching
// the opening brace at start, tracking quoted-string state and escapes so
// braces inside string values don't throw off the count. Returns -1 if the
// buffer ends before the object closes.
func findBalancedObjectEnd(buffer string, start int) int {
	braceCount := 0
	inString := false
	escapeNext := false

	for i := start; i < len(buffer); i++ {
		c := buffer[i]
		if escapeNext {
			escapeNext = false
			continue
		}
		if c == '\\' {
			escapeNext = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			braceCount++
		case '}':
			braceCount--
			if braceCount == 0 {
				return i
			}
		}
	}
	return -1
}

func decodeFragment(jsonStr string) (RawEvent, bool) {
	var f rawFragment
	if err := json.Unmarshal([]byte(jsonStr), &f); err != nil {
		return RawEvent{}, false
	}

	switch {
	case f.Content != nil && f.FollowupPrompt == nil:
		return RawEvent{Kind: RawEventContent, Content: *f.Content}, true
	case f.Name != "" && f.ToolUseID != "":
		input := ""
		if f.Input != nil {
			input = *f.Input
		}
		stop := false
		if f.Stop != nil {
			stop = *f.Stop
		}
		return RawEvent{Kind: RawEventToolUse, ToolName: f.Name, ToolUseID: f.ToolUseID, ToolInput: input, ToolStop: stop}, true
	case f.Input != nil && f.Name == "":
		return RawEvent{Kind: RawEventToolUseInput, ToolInput: *f.Input}, true
	case f.Stop != nil && f.ContextUsagePercentage == nil:
		return RawEvent{Kind: RawEventToolUseStop, ToolStop: *f.Stop}, true
	case f.Usage != nil:
		return RawEvent{Kind: RawEventUsage, Usage: *f.Usage, Unit: f.Unit, UnitPlural: f.UnitPlural}, true
	case f.ContextUsagePercentage != nil:
		return RawEvent{Kind: RawEventContextUsage, ContextUsagePercentage: *f.ContextUsagePercentage}, true
	default:
		return RawEvent{}, false
	}
}
