package relay

import "strings"

// sseLineBuffer reassembles "data: ..." payloads out of arbitrarily sized
// byte chunks, the way provider.streamGLMAsAnthropicSSE's bufio.Reader does
// internally but generalized to whatever raw Chunk sizes an adapter hands
// back (provider.streamRawBytes forwards 32KB reads with no line
// alignment).
type sseLineBuffer struct {
	pending string
}

// Feed appends data and returns every complete "data:" payload line newly
// available, each already stripped of its prefix and surrounding
// whitespace. Incomplete trailing text is retained for the next Feed call.
func (b *sseLineBuffer) Feed(data []byte) []string {
	b.pending += string(data)

	var payloads []string
	for {
		idx := strings.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(b.pending[:idx], "\r")
		b.pending = b.pending[idx+1:]

		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
		if payload == "" {
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads
}
