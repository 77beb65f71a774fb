package convert

import "encoding/json"

// Role identifies the speaker of a Message in the intermediate representation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockKind tags the variant held by a ContentBlock. Every wire format's
// duck-typed content list (a block that might be a string, a text dict, an
// image dict, or a tool-call dict depending on what keys happen to be
// present) is normalized into one of these explicit kinds on the way in and
// expanded back out on the way to a specific wire format.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockImage      BlockKind = "image"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockThinking   BlockKind = "thinking"
	// BlockPlainText marks a block synthesized from a bare string fallback
	// (a message whose wire-format content was just a string, not a list).
	// It behaves like BlockText but round-trips back to a string when the
	// message held exactly one such block and nothing else.
	BlockPlainText BlockKind = "plain_text"
)

// CacheControl marks a prompt-cache breakpoint on a block, per §4.8.
type CacheControl struct {
	Type string `json:"type"` // always "ephemeral" today
}

// ImageFormat is the decoded image container kind.
type ImageFormat string

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
	ImageGIF  ImageFormat = "gif"
	ImageWebP ImageFormat = "webp"
)

// Image holds a decoded image payload, extracted from either Anthropic's
// {source:{media_type,data}} shape or OpenAI's image_url data URL shape.
type Image struct {
	Format ImageFormat `json:"format"`
	Bytes  []byte      `json:"bytes"`
}

// ContentBlock is the tagged-variant unit of message content. Exactly the
// fields relevant to Kind are populated; a parser that sees an unrecognized
// wire shape returns an error rather than guessing.
type ContentBlock struct {
	Kind BlockKind

	// BlockText / BlockPlainText / BlockThinking
	Text string

	// BlockImage
	Image Image

	// BlockToolUse
	ToolUseID   string
	ToolName    string
	ToolInput   json.RawMessage // object, defaults to {} if source JSON failed to parse
	ToolInputOK bool            // false if ToolInput came from a parse failure

	// BlockToolResult
	ToolResultForID string
	ToolResultText  string
	ToolResultError bool

	Cache *CacheControl
}

// Message is the intermediate representation of one conversation turn.
// Converters translate a wire-format message into a Message and back.
type Message struct {
	Role    Role
	Name    string
	Content []ContentBlock
}

// Text concatenates every text-bearing block's text, ignoring tool/image
// blocks. Used where a converter only cares about plain text (e.g. feeding
// the summarization model in §4.8).
func (m Message) Text() string {
	out := ""
	for _, b := range m.Content {
		switch b.Kind {
		case BlockText, BlockPlainText, BlockThinking:
			out += b.Text
		}
	}
	return out
}

// IsPlainText reports whether the message holds exactly one plain-text
// block and nothing else — the shape that should round-trip back to a bare
// string instead of a content list.
func (m Message) IsPlainText() bool {
	return len(m.Content) == 1 && m.Content[0].Kind == BlockPlainText
}

// ToolSchema is a provider-neutral tool/function declaration.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage is provider-neutral token accounting for one exchange.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheCreateTokens int `json:"cache_create_tokens"`
}

// Request is the intermediate representation of a chat/completion request,
// the hub every wire-format converter reads from and writes to.
type Request struct {
	Model       string
	System      []ContentBlock // text-only in practice, but kept as blocks for cache markers
	Messages    []Message
	Tools       []ToolSchema
	ToolChoice  string
	MaxTokens   int
	Temperature *float32
	TopP        *float32
	Stop        []string
	Stream      bool
	Thinking    bool // upstream thinking-mode requested
	ThinkingBudgetTokens int // 0 means "use the format's default"
}

// StopReason is the provider-neutral completion reason.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// Response is the intermediate representation of a completed (non-streamed)
// chat response.
type Response struct {
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// StreamEventKind enumerates the Anthropic-shaped SSE events this gateway
// emits to clients regardless of source format (§6).
type StreamEventKind string

const (
	EventMessageStart      StreamEventKind = "message_start"
	EventContentBlockStart StreamEventKind = "content_block_start"
	EventContentBlockDelta StreamEventKind = "content_block_delta"
	EventContentBlockStop  StreamEventKind = "content_block_stop"
	EventMessageDelta      StreamEventKind = "message_delta"
	EventMessageStop       StreamEventKind = "message_stop"
)

// DeltaKind enumerates content_block_delta subtypes.
type DeltaKind string

const (
	DeltaText       DeltaKind = "text_delta"
	DeltaThinking   DeltaKind = "thinking_delta"
	DeltaInputJSON  DeltaKind = "input_json_delta"
)

// StreamEvent is one emitted SSE event in the intermediate representation.
type StreamEvent struct {
	Kind  StreamEventKind
	Index int

	// content_block_start
	BlockKind BlockKind
	ToolUseID string
	ToolName  string

	// content_block_delta
	Delta      DeltaKind
	Text       string // text_delta / thinking_delta
	PartialJSON string // input_json_delta

	// message_start / message_delta
	StopReason StopReason
	Usage      Usage

	Model string
}
