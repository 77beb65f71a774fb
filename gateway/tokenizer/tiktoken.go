package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer adapts tiktoken for OpenAI-family models, giving the
// distributor an exact BPE count instead of EstimateTokens' heuristic when
// the caller can afford the encoding table load.
type TiktokenTokenizer struct {
	model     string
	encoding  string
	maxTokens int
	enc       *tiktoken.Tiktoken
	once      sync.Once
	initErr   error
}

var tiktokenModelEncodings = map[string]struct {
	encoding  string
	maxTokens int
}{
	"gpt-4o":                 {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4o-mini":            {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4-turbo":            {encoding: "cl100k_base", maxTokens: 128000},
	"gpt-4":                  {encoding: "cl100k_base", maxTokens: 8192},
	"gpt-3.5-turbo":          {encoding: "cl100k_base", maxTokens: 16385},
	"text-embedding-3-large": {encoding: "cl100k_base", maxTokens: 8191},
	"text-embedding-3-small": {encoding: "cl100k_base", maxTokens: 8191},
}

// NewTiktokenTokenizer creates a tiktoken-based tokenizer for model, falling
// back to cl100k_base for anything not in tiktokenModelEncodings.
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	info, ok := tiktokenModelEncodings[model]
	if !ok {
		for prefix, i := range tiktokenModelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				info, ok = i, true
				break
			}
		}
	}
	if !ok {
		info = struct {
			encoding  string
			maxTokens int
		}{encoding: "cl100k_base", maxTokens: 8192}
	}

	return &TiktokenTokenizer{model: model, encoding: info.encoding, maxTokens: info.maxTokens}
}

// init lazily loads the BPE ranks for the encoding; tiktoken-go may fetch
// them over the network on first use, so callers should not assume this is
// free and should not call it on a request hot path without a warm cache.
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) CountMessages(messages []Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range messages {
		total += 4 // <|start|>role\ncontent<|end|>\n overhead
		total += len(t.enc.Encode(msg.Content, nil, nil))
		total += len(t.enc.Encode(msg.Role, nil, nil))
	}
	total += 3
	return total, nil
}

func (t *TiktokenTokenizer) Encode(text string) ([]int, error) {
	if err := t.init(); err != nil {
		return nil, err
	}
	return t.enc.Encode(text, nil, nil), nil
}

func (t *TiktokenTokenizer) Decode(tokens []int) (string, error) {
	if err := t.init(); err != nil {
		return "", err
	}
	return t.enc.Decode(tokens), nil
}

func (t *TiktokenTokenizer) MaxTokens() int { return t.maxTokens }
func (t *TiktokenTokenizer) Name() string   { return fmt.Sprintf("tiktoken[%s]", t.encoding) }

// RegisterOpenAITokenizers registers a TiktokenTokenizer for every known
// OpenAI model, letting GetTokenizerOrEstimator prefer the exact BPE count
// over EstimateTokens' heuristic for that family. Callers that only want the
// fast heuristic (e.g. the distributor's pre-flight budget check under load)
// can skip calling this and keep relying on the Estimator fallback.
func RegisterOpenAITokenizers() {
	for model := range tiktokenModelEncodings {
		RegisterTokenizer(model, NewTiktokenTokenizer(model))
	}
}
