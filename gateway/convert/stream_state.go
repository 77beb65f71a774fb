package convert

// StreamState carries per-relay, per-direction state across successive
// StreamChunkToEvents calls. Format converters are otherwise pure; this is
// the one piece of mutable state the contract allows, matching §5's note
// that "thinking-state is per-relay" — the same applies to open
// content-block bookkeeping for any format, not just Kiro.
type StreamState struct {
	// MessageStarted is set once message_start has been emitted.
	MessageStarted bool

	// TextBlockIndex is the content-block index assigned to the most
	// recently opened text block (-1 before any is opened); it is not
	// reset on close, so TextBlockOpen says whether that block is running.
	TextBlockIndex int
	TextBlockOpen  bool

	// NextIndex is the next content-block index to assign.
	NextIndex int

	// ToolCalls accumulates per-tool-call-index fragments for formats
	// (OpenAI SSE, GLM) that stream function-call arguments piecemeal; GLM
	// also keeps its running thinking block here under a sentinel key.
	ToolCalls map[int]*toolCallAccumulator

	// Usage accumulates the most recently observed usage figures, since
	// some formats only report them on the final chunk.
	Usage Usage

	// Model is the model name observed on the first chunk, echoed on
	// message_delta/message_stop for formats that want it repeated.
	Model string

	// Done is set once a terminal event (message_stop equivalent) has
	// been produced, so callers know to stop feeding chunks.
	Done bool
}

type toolCallAccumulator struct {
	id        string
	name      string
	argsJSON  string
	blockIdx  int
	started   bool
}

// NewStreamState returns a StreamState ready for the first chunk of a
// relay.
func NewStreamState() *StreamState {
	return &StreamState{
		TextBlockIndex: -1,
		ToolCalls:      make(map[int]*toolCallAccumulator),
	}
}
