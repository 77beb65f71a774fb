package relay

import "github.com/llmgateway/gateway/gateway/convert"

// usageTracker watches the stream of hub events a relay attempt decodes
// from the provider's own response format and keeps the best usage figure
// observed so far, per §4.7 step 3: message_start/message_delta usage are
// the definitive counters when present (Anthropic and, since kiro/glm
// normalize onto Anthropic SSE, those two as well); OpenAI only reports
// usage on its terminal chunk. Absent any reported usage, outputChunks
// counts content deltas as the spec's "coarse fallback estimate".
type usageTracker struct {
	usage        convert.Usage
	sawUsage     bool
	outputChunks int64
}

func (t *usageTracker) observe(events []convert.StreamEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case convert.EventMessageStart, convert.EventMessageDelta:
			if ev.Usage != (convert.Usage{}) {
				t.usage = mergeUsage(t.usage, ev.Usage)
				t.sawUsage = true
			}
		case convert.EventContentBlockDelta:
			t.outputChunks++
		}
	}
}

// mergeUsage folds a newly observed usage snapshot into the running one.
// Anthropic reports input/cache tokens once on message_start and a
// cumulative output_tokens figure on message_delta; OpenAI reports the
// whole usage struct at once. Either way, a nonzero field in the new
// snapshot supersedes what was tracked before.
func mergeUsage(running, next convert.Usage) convert.Usage {
	if next.InputTokens != 0 {
		running.InputTokens = next.InputTokens
	}
	if next.OutputTokens != 0 {
		running.OutputTokens = next.OutputTokens
	}
	if next.CacheReadTokens != 0 {
		running.CacheReadTokens = next.CacheReadTokens
	}
	if next.CacheCreateTokens != 0 {
		running.CacheCreateTokens = next.CacheCreateTokens
	}
	return running
}

// result returns the tracked usage, falling back to the coarse chunk-count
// estimate for output tokens when the upstream never reported real usage.
func (t *usageTracker) result() convert.Usage {
	if t.sawUsage {
		return t.usage
	}
	return convert.Usage{OutputTokens: t.outputChunks}
}
