package convert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// imageFormatFromMediaType maps a MIME type like "image/png" to ImageFormat.
func imageFormatFromMediaType(mt string) ImageFormat {
	switch {
	case strings.Contains(mt, "png"):
		return ImagePNG
	case strings.Contains(mt, "jpeg"), strings.Contains(mt, "jpg"):
		return ImageJPEG
	case strings.Contains(mt, "gif"):
		return ImageGIF
	case strings.Contains(mt, "webp"):
		return ImageWebP
	default:
		return ImagePNG
	}
}

func mediaTypeFromImageFormat(f ImageFormat) string {
	switch f {
	case ImageJPEG:
		return "image/jpeg"
	case ImageGIF:
		return "image/gif"
	case ImageWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// parseDataURLImage decodes an OpenAI-style data URL
// ("data:image/png;base64,...."). Non-data URLs are not decoded or
// fetched: the raw bytes are left empty and the format is always ImagePNG,
// whatever the URL's suffix.
func parseDataURLImage(url string) (Image, error) {
	if !strings.HasPrefix(url, "data:") {
		return Image{Format: ImagePNG}, nil
	}
	rest := strings.TrimPrefix(url, "data:")
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return Image{}, fmt.Errorf("convert: malformed data URL")
	}
	header := parts[0]
	payload := parts[1]
	mt := strings.SplitN(header, ";", 2)[0]
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("convert: decode data URL: %w", err)
	}
	return Image{Format: imageFormatFromMediaType(mt), Bytes: data}, nil
}

func dataURLFromImage(img Image) string {
	return "data:" + mediaTypeFromImageFormat(img.Format) + ";base64," + base64.StdEncoding.EncodeToString(img.Bytes)
}

// jsonObjectOrEmpty attempts to parse raw as a JSON object; on failure it
// returns "{}" and ok=false, matching §4.2's "arguments must parse as JSON
// or default to {}" rule.
func jsonObjectOrEmpty(raw string) (json.RawMessage, bool) {
	if raw == "" {
		return json.RawMessage("{}"), false
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return json.RawMessage("{}"), false
	}
	return json.RawMessage(raw), true
}

// mapFinishReasonToIR maps OpenAI-style finish reasons to the IR StopReason,
// per §4.2's stop-reason table.
func mapFinishReasonToIR(reason string) StopReason {
	switch reason {
	case "stop", "stop_sequence":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	default:
		return StopEndTurn
	}
}

// mapIRStopReasonToOpenAI reverses mapFinishReasonToIR.
func mapIRStopReasonToOpenAI(r StopReason) string {
	switch r {
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	default:
		return "stop"
	}
}

// mapIRStopReasonToAnthropic renders StopReason in Anthropic's vocabulary.
func mapIRStopReasonToAnthropic(r StopReason) string {
	switch r {
	case StopMaxTokens:
		return "max_tokens"
	case StopToolUse:
		return "tool_use"
	case StopStopSequence:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func mapAnthropicStopReasonToIR(r string) StopReason {
	switch r {
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	case "stop_sequence":
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

// LastTextBlockIndex returns the index of the last BlockText/BlockPlainText
// block in content, or -1.
func LastTextBlockIndex(content []ContentBlock) int {
	for i := len(content) - 1; i >= 0; i-- {
		if content[i].Kind == BlockText || content[i].Kind == BlockPlainText {
			return i
		}
	}
	return -1
}
