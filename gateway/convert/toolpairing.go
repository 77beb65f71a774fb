package convert

// StripUnmatchedToolPairs enforces the tool-use/tool-result pairing
// invariant shared by Kiro's history builder and the sliding-window
// compressor: every tool_use block in an assistant message must be matched
// by a tool_result block carrying the same ID in the immediately following
// message; a tool_use with no such match is dropped from the assistant
// message, and a tool_result with no matching tool_use in the immediately
// preceding message is dropped as an orphan. Returns a new slice; the input
// messages are not mutated.
func StripUnmatchedToolPairs(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)

	for i := range out {
		if out[i].Role != RoleAssistant {
			continue
		}
		var resultIDs map[string]bool
		if i+1 < len(out) && out[i+1].Role == RoleUser {
			resultIDs = toolResultIDs(out[i+1].Content)
		}
		out[i].Content = filterBlocks(out[i].Content, BlockToolUse, resultIDs, func(b ContentBlock) string { return b.ToolUseID })
	}

	for i := range out {
		if out[i].Role != RoleUser {
			continue
		}
		var useIDs map[string]bool
		if i > 0 && out[i-1].Role == RoleAssistant {
			useIDs = toolUseIDs(out[i-1].Content)
		}
		out[i].Content = filterBlocks(out[i].Content, BlockToolResult, useIDs, func(b ContentBlock) string { return b.ToolResultForID })
	}

	return out
}

func toolUseIDs(content []ContentBlock) map[string]bool {
	ids := make(map[string]bool)
	for _, b := range content {
		if b.Kind == BlockToolUse {
			ids[b.ToolUseID] = true
		}
	}
	return ids
}

func toolResultIDs(content []ContentBlock) map[string]bool {
	ids := make(map[string]bool)
	for _, b := range content {
		if b.Kind == BlockToolResult {
			ids[b.ToolResultForID] = true
		}
	}
	return ids
}

// filterBlocks drops blocks of kind whose id (via idOf) is not present in
// allowed, leaving every other block untouched. A nil allowed map drops
// every block of kind.
func filterBlocks(content []ContentBlock, kind BlockKind, allowed map[string]bool, idOf func(ContentBlock) string) []ContentBlock {
	out := content[:0:0]
	for _, b := range content {
		if b.Kind == kind && !allowed[idOf(b)] {
			continue
		}
		out = append(out, b)
	}
	return out
}
