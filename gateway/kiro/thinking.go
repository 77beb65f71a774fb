package kiro

import "strings"

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"
)

// isQuoteCharAt reports whether text[index] is a quote character, treating
// any out-of-range index as not a quote.
func isQuoteCharAt(text string, index int) bool {
	if index < 0 || index >= len(text) {
		return false
	}
	switch text[index] {
	case '"', '\'', '`':
		return true
	}
	return false
}

// FindRealTag returns the byte offset of the first occurrence of tag in
// text at or after startIndex that isn't immediately preceded or followed
// by a quote character — i.e. isn't itself quoted text like a JSON string
// containing the literal tag. Returns -1 if no such occurrence exists.
func FindRealTag(text, tag string, startIndex int) int {
	if startIndex < 0 {
		startIndex = 0
	}
	searchStart := startIndex
	for {
		if searchStart > len(text) {
			return -1
		}
		rel := strings.Index(text[searchStart:], tag)
		if rel < 0 {
			return -1
		}
		pos := searchStart + rel
		hasQuoteBefore := isQuoteCharAt(text, pos-1)
		hasQuoteAfter := isQuoteCharAt(text, pos+len(tag))
		if !hasQuoteBefore && !hasQuoteAfter {
			return pos
		}
		searchStart = pos + 1
	}
}

// ThinkingDelta is one piece of text recovered from the thinking-tag state
// machine, tagged with whether it belongs inside <thinking>...</thinking>
// or outside it.
type ThinkingDelta struct {
	Thinking bool
	Text     string
	// StopThinking marks the boundary where the thinking block should be
	// closed (the </thinking> tag was found, or end of stream arrived
	// while still inside one). Carries no text of its own.
	StopThinking bool
}

// ThinkingSplitter extracts a <thinking>...</thinking> block interleaved
// in an otherwise plain content stream, one incrementally-arriving piece
// at a time. Kiro never emits the tags split across model-call boundaries
// in a structured way — they show up embedded in ordinary content text —
// so the splitter holds back enough buffered text to recognize a
// straddling tag before committing it as plain text.
type ThinkingSplitter struct {
	buffer           string
	inThinking       bool
	thinkingExtracted bool
}

// NewThinkingSplitter returns a splitter ready for the first content piece.
func NewThinkingSplitter() *ThinkingSplitter {
	return &ThinkingSplitter{}
}

// Feed appends one content piece and returns the deltas it can now safely
// emit. Text that might still be the prefix of a tag is held in the
// internal buffer until more input disambiguates it, or until Flush is
// called at end of stream.
func (s *ThinkingSplitter) Feed(piece string) []ThinkingDelta {
	if piece == "" {
		return nil
	}
	s.buffer += piece
	return s.drain(false)
}

// Flush emits whatever remains buffered, treating it as final — used once
// the upstream content stream has ended.
func (s *ThinkingSplitter) Flush() []ThinkingDelta {
	return s.drain(true)
}

func (s *ThinkingSplitter) drain(final bool) []ThinkingDelta {
	var out []ThinkingDelta
	for {
		if !s.inThinking && !s.thinkingExtracted {
			startPos := FindRealTag(s.buffer, thinkingStartTag, 0)
			if startPos != -1 {
				if before := s.buffer[:startPos]; before != "" {
					out = append(out, ThinkingDelta{Thinking: false, Text: before})
				}
				s.buffer = s.buffer[startPos+len(thinkingStartTag):]
				s.inThinking = true
				continue
			}
			if final {
				if s.buffer != "" {
					out = append(out, ThinkingDelta{Thinking: false, Text: s.buffer})
					s.buffer = ""
				}
				return out
			}
			safeLen := len(s.buffer) - len(thinkingStartTag)
			if safeLen > 0 {
				safeText := s.buffer[:safeLen]
				if safeText != "" {
					out = append(out, ThinkingDelta{Thinking: false, Text: safeText})
				}
				s.buffer = s.buffer[safeLen:]
			}
			return out
		}

		if s.inThinking {
			endPos := FindRealTag(s.buffer, thinkingEndTag, 0)
			if endPos != -1 {
				if part := s.buffer[:endPos]; part != "" {
					out = append(out, ThinkingDelta{Thinking: true, Text: part})
				}
				s.buffer = s.buffer[endPos+len(thinkingEndTag):]
				s.inThinking = false
				s.thinkingExtracted = true
				out = append(out, ThinkingDelta{Thinking: true, StopThinking: true})
				s.buffer = strings.TrimPrefix(s.buffer, "\n\n")
				continue
			}
			if final {
				if s.buffer != "" {
					out = append(out, ThinkingDelta{Thinking: true, Text: s.buffer})
					s.buffer = ""
				}
				out = append(out, ThinkingDelta{Thinking: true, StopThinking: true})
				return out
			}
			safeLen := len(s.buffer) - len(thinkingEndTag)
			if safeLen > 0 {
				safeThinking := s.buffer[:safeLen]
				if safeThinking != "" {
					out = append(out, ThinkingDelta{Thinking: true, Text: safeThinking})
				}
				s.buffer = s.buffer[safeLen:]
			}
			return out
		}

		// thinkingExtracted: everything else is plain text.
		if s.buffer != "" {
			out = append(out, ThinkingDelta{Thinking: false, Text: s.buffer})
			s.buffer = ""
		}
		return out
	}
}
