// Package distribute selects which upstream provider should serve a request.
// It generalizes the teacher's per-provider API-key pool (weighted random
// sampling over a candidate set) one level up: instead of choosing a key
// within one provider, it chooses a provider within the whole fleet, scoring
// each candidate from its configured priority/weight and its observed health.
package distribute

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/llmgateway/gateway/gateway"
)

// Strategy picks among the candidates supporting a model.
type Strategy string

const (
	// StrategyWeightedRandom samples proportional to each candidate's score.
	// This is the default: it spreads traffic across healthy providers while
	// still favoring the ones configured with higher priority/weight.
	StrategyWeightedRandom Strategy = "weighted_random"
	// StrategyPriorityFirst always picks the highest-priority candidate.
	StrategyPriorityFirst Strategy = "priority_first"
	// StrategyLeastResponseTime picks the candidate with the lowest observed
	// average response time.
	StrategyLeastResponseTime Strategy = "least_response_time"
	// StrategyRoundRobin cycles through candidates in registration order.
	StrategyRoundRobin Strategy = "round_robin"
)

// Format is the wire shape a client request arrived in.
type Format string

const (
	FormatOpenAI          Format = "openai"
	FormatAnthropic       Format = "anthropic"
	FormatGemini          Format = "gemini"
	FormatOpenAIResponses Format = "openai_responses"
)

// Provider is one upstream backend candidate known to the distributor.
type Provider struct {
	Name    string
	Type    string
	Enabled bool

	// Models is the set of model names this provider declares support for.
	// A nil/empty set means "supports every model" (a catch-all provider).
	Models map[string]bool

	Priority          int
	Weight            int
	SuccessRate       float64 // [0, 1]
	AvgResponseTimeMs float64
}

// SupportsModel reports whether the provider declares support for model.
func (p *Provider) SupportsModel(model string) bool {
	if len(p.Models) == 0 {
		return true
	}
	return p.Models[model]
}

// score implements §4.6's formula: 100·priority + 10·weight + 5·success_rate
// − avg_response_time_ms/1000, clamped to at least 1 so every enabled,
// supporting provider retains a nonzero chance of being sampled.
func (p *Provider) score() float64 {
	s := 100*float64(p.Priority) + 10*float64(p.Weight) + 5*p.SuccessRate - p.AvgResponseTimeMs/1000
	if s < 1 {
		s = 1
	}
	return s
}

// Distributor holds the fleet of known providers and picks one per request.
type Distributor struct {
	mu            sync.RWMutex
	providers     []*Provider
	strategy      Strategy
	roundRobinIdx int
	rng           *rand.Rand
}

// New constructs a Distributor. strategy defaults to StrategyWeightedRandom
// when empty.
func New(strategy Strategy, seed int64) *Distributor {
	if strategy == "" {
		strategy = StrategyWeightedRandom
	}
	return &Distributor{
		strategy: strategy,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// SetProviders replaces the known provider set. Callers typically call this
// once at startup and again whenever provider config is reloaded.
func (d *Distributor) SetProviders(providers []*Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers = providers
}

// Providers returns a snapshot of the known provider set.
func (d *Distributor) Providers() []*Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Provider, len(d.providers))
	copy(out, d.providers)
	return out
}

// errModelNotSupported and errAllDisabled distinguish the two "model not
// found" causes §4.6 calls for: a model nobody declares versus a model every
// declaring provider has disabled.
var (
	errModelNotSupported = errors.New("model not supported by any provider")
	errAllDisabled       = errors.New("all providers supporting this model are disabled")
)

// Select picks a provider for model according to the configured strategy.
func (d *Distributor) Select(model string) (*Provider, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var supporting, candidates []*Provider
	for _, p := range d.providers {
		if !p.SupportsModel(model) {
			continue
		}
		supporting = append(supporting, p)
		if p.Enabled {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return nil, d.notFoundError(model, supporting)
	}

	var selected *Provider
	switch d.strategy {
	case StrategyPriorityFirst:
		selected = selectPriorityFirst(candidates)
	case StrategyLeastResponseTime:
		selected = selectLeastResponseTime(candidates)
	case StrategyRoundRobin:
		selected = d.selectRoundRobinLocked(candidates)
	default:
		selected = d.selectWeightedRandomLocked(candidates)
	}
	return selected, nil
}

func (d *Distributor) notFoundError(model string, supporting []*Provider) error {
	cause := errModelNotSupported
	if len(supporting) > 0 {
		cause = errAllDisabled
	}
	msg := fmt.Sprintf("model %q not found: %v", model, cause)
	return gateway.NewError(gateway.ErrModelNotFound, msg).WithHTTPStatus(503)
}

// selectWeightedRandomLocked mirrors the teacher's selectWeightedRandom:
// sum the candidate scores, draw a point in [0, total), and return the
// first candidate whose cumulative running score passes that point.
func (d *Distributor) selectWeightedRandomLocked(candidates []*Provider) *Provider {
	var total float64
	for _, p := range candidates {
		total += p.score()
	}
	if total <= 0 {
		return candidates[0]
	}

	target := d.rng.Float64() * total
	var cumulative float64
	for _, p := range candidates {
		cumulative += p.score()
		if cumulative > target {
			return p
		}
	}
	return candidates[len(candidates)-1]
}

func (d *Distributor) selectRoundRobinLocked(candidates []*Provider) *Provider {
	selected := candidates[d.roundRobinIdx%len(candidates)]
	d.roundRobinIdx++
	return selected
}

func selectPriorityFirst(candidates []*Provider) *Provider {
	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.Priority > best.Priority {
			best = p
		}
	}
	return best
}

func selectLeastResponseTime(candidates []*Provider) *Provider {
	sorted := make([]*Provider, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AvgResponseTimeMs < sorted[j].AvgResponseTimeMs
	})
	return sorted[0]
}

// ParsedRequest is the result of detecting a client request's wire format
// and target model from its path and headers.
type ParsedRequest struct {
	Format Format
	Model  string
	Stream bool
}

// ParseRequest inspects an inbound HTTP request path (and, for the
// OpenAI/Anthropic paths, the already-decoded body's "model"/"stream"
// fields) to determine the client's wire format and target model, per
// §4.6 step 1. Gemini embeds both the model and the action (generate vs.
// stream) in the path itself, so it is parsed independently of the body.
func ParseRequest(path string, bodyModel string, bodyStream bool) (ParsedRequest, error) {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return ParsedRequest{Format: FormatOpenAI, Model: bodyModel, Stream: bodyStream}, nil
	case strings.HasPrefix(path, "/v1/responses"):
		return ParsedRequest{Format: FormatOpenAIResponses, Model: bodyModel, Stream: bodyStream}, nil
	case strings.HasPrefix(path, "/v1/messages"):
		return ParsedRequest{Format: FormatAnthropic, Model: bodyModel, Stream: bodyStream}, nil
	case strings.HasPrefix(path, "/v1beta/models/"):
		model, action, err := parseGeminiPath(path)
		if err != nil {
			return ParsedRequest{}, err
		}
		return ParsedRequest{Format: FormatGemini, Model: model, Stream: action == "streamGenerateContent"}, nil
	default:
		return ParsedRequest{}, fmt.Errorf("unrecognized request path %q", path)
	}
}

// parseGeminiPath splits "/v1beta/models/<name>:<action>" into its model
// name and action, e.g. "gemini-2.5-flash" and "streamGenerateContent".
func parseGeminiPath(path string) (model, action string, err error) {
	rest := strings.TrimPrefix(path, "/v1beta/models/")
	if rest == path {
		return "", "", fmt.Errorf("not a gemini models path: %q", path)
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("gemini path missing :action suffix: %q", path)
	}
	model, action = rest[:idx], rest[idx+1:]
	if model == "" || action == "" {
		return "", "", fmt.Errorf("gemini path missing model or action: %q", path)
	}
	return model, action, nil
}

// UpdateStats folds an observed request outcome into a provider's rolling
// success rate (EMA, alpha 0.2) and average response time (EMA, alpha
// 0.1). It takes no lock. Call this after every relay attempt against
// provider p.
func (p *Provider) UpdateStats(success bool, responseTime time.Duration) {
	const emaAlpha = 0.2
	const responseTimeAlpha = 0.1

	observed := 0.0
	if success {
		observed = 1.0
	}
	if p.SuccessRate == 0 && p.AvgResponseTimeMs == 0 {
		p.SuccessRate = observed
	} else {
		p.SuccessRate = p.SuccessRate + emaAlpha*(observed-p.SuccessRate)
	}

	ms := float64(responseTime.Milliseconds())
	if p.AvgResponseTimeMs == 0 {
		p.AvgResponseTimeMs = ms
	} else {
		p.AvgResponseTimeMs = p.AvgResponseTimeMs + responseTimeAlpha*(ms-p.AvgResponseTimeMs)
	}
}
