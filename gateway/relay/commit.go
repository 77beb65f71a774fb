package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/distribute"
	"github.com/llmgateway/gateway/gateway/provider"
	"github.com/llmgateway/gateway/gateway/store"
)

// commit has committed to this attempt succeeding (§4.7 step 3/4): it
// forwards the adapter's chunks to the client in its requested format and,
// once the stream ends cleanly or is cut short, runs the accounting write
// from step 4/5. first/hasFirst is the one chunk Relay already pulled off
// chunks to confirm the attempt didn't fail outright.
func (o *Orchestrator) commit(ctx context.Context, req Request, current *distribute.Provider, cred *store.Credential, chunks <-chan provider.Chunk, first provider.Chunk, hasFirst bool, start time.Time, meta compressionMeta) <-chan Chunk {
	if !req.IR.Stream {
		return o.commitNonStreaming(ctx, req, current, cred, chunks, first, hasFirst, start, meta)
	}
	return o.commitStreaming(ctx, req, current, cred, chunks, first, hasFirst, start, meta)
}

func (o *Orchestrator) commitNonStreaming(ctx context.Context, req Request, current *distribute.Provider, cred *store.Credential, chunks <-chan provider.Chunk, first provider.Chunk, hasFirst bool, start time.Time, meta compressionMeta) <-chan Chunk {
	out := make(chan Chunk, 1)

	body := first.Data
	if hasFirst {
		// Drain any further chunks the adapter might still send (it
		// shouldn't for a non-streaming call, but nothing guarantees a
		// single-item channel beyond convention).
		for c := range chunks {
			if c.Err == nil {
				body = append(body, c.Data...)
			}
		}
	}

	usage := convert.Usage{}
	clientBody := body
	if len(body) > 0 {
		respConv, err := convert.New(providerResponseFormat(current.Type))
		if err == nil {
			if ir, err := respConv.ResponseToIR(body); err == nil {
				usage = ir.Usage
				if clientConv, err := convert.New(req.ClientFormat); err == nil {
					if rendered, err := clientConv.ResponseFromIR(ir); err == nil {
						clientBody = rendered
					}
				}
			}
		}
	}

	out <- Chunk{Data: clientBody}
	close(out)

	o.storeIdempotent(req, clientBody)
	current.UpdateStats(true, time.Since(start))
	o.finalize(ctx, req, current, cred, usage, meta, start, 200, "")

	return out
}

func (o *Orchestrator) commitStreaming(ctx context.Context, req Request, current *distribute.Provider, cred *store.Credential, chunks <-chan provider.Chunk, first provider.Chunk, hasFirst bool, start time.Time, meta compressionMeta) <-chan Chunk {
	out := make(chan Chunk)

	go func() {
		defer close(out)

		respFormat := providerResponseFormat(current.Type)
		respConv, err := convert.New(respFormat)
		if err != nil {
			out <- Chunk{Err: err}
			return
		}
		clientConv, err := convert.New(req.ClientFormat)
		if err != nil {
			out <- Chunk{Err: err}
			return
		}

		st := convert.NewStreamState()
		lineBuf := &sseLineBuffer{}
		tracker := &usageTracker{}
		wroteBytes := false
		var streamErr error

		emit := func(data []byte) bool {
			for _, payload := range lineBuf.Feed(data) {
				events, err := respConv.StreamChunkToEvents(payload, st)
				if err != nil {
					streamErr = err
					return false
				}
				tracker.observe(events)
				if len(events) == 0 {
					continue
				}
				lines, err := clientConv.EventsToStreamLines(events)
				if err != nil {
					streamErr = err
					return false
				}
				framed := frameLines(req.ClientFormat, events, lines)
				select {
				case out <- Chunk{Data: framed}:
					wroteBytes = true
				case <-ctx.Done():
					streamErr = ctx.Err()
					return false
				}
			}
			return true
		}

		if hasFirst {
			if !emit(first.Data) {
				o.finishStream(ctx, req, current, cred, tracker, meta, start, wroteBytes, streamErr)
				return
			}
		}

		for c := range chunks {
			if c.Err != nil {
				streamErr = c.Err
				break
			}
			if !emit(c.Data) {
				break
			}
		}

		o.finishStream(ctx, req, current, cred, tracker, meta, start, wroteBytes, streamErr)
	}()

	return out
}

// finishStream runs the step 4/5 accounting write once a streamed attempt
// ends, whether cleanly or mid-stream. A nil streamErr with no bytes
// written is still a clean (if empty) response; a non-nil streamErr after
// bytes were already forwarded to the client is logged as a partial
// success per §5's cancellation rule, since the client already received
// output there is no way to surface an error for.
func (o *Orchestrator) finishStream(ctx context.Context, req Request, current *distribute.Provider, cred *store.Credential, tracker *usageTracker, meta compressionMeta, start time.Time, wroteBytes bool, streamErr error) {
	status := 200
	errMsg := ""
	success := true
	if streamErr != nil {
		errMsg = streamErr.Error()
		if !wroteBytes {
			status = 500
			success = false
		}
	}
	current.UpdateStats(success, time.Since(start))
	o.finalize(ctx, req, current, cred, tracker.result(), meta, start, status, errMsg)
}

// finalize persists the §4.7 step 4/5 accounting row and running counters.
// Errors here are logged but never surfaced — the client already has its
// response.
func (o *Orchestrator) finalize(ctx context.Context, req Request, current *distribute.Provider, cred *store.Credential, usage convert.Usage, meta compressionMeta, start time.Time, status int, errMsg string) {
	row := store.LogRow{
		UserID:            req.UserID,
		ProviderType:       current.Type,
		Model:              req.IR.Model,
		InputTokens:        int64(usage.InputTokens),
		OutputTokens:       int64(usage.OutputTokens),
		CacheReadTokens:    int64(usage.CacheReadTokens),
		CacheCreateTokens:  int64(usage.CacheCreateTokens),
		DurationMs:         time.Since(start).Milliseconds(),
		Status:             status,
		Error:              errMsg,
		Compressed:         meta.compressed,
		OriginalTokens:     int64(meta.originalTokens),
		CompressedTokens:   int64(meta.compressedTokens),
		CreatedAt:          timeNow(),
	}
	if err := o.store.WriteLog(ctx, row); err != nil {
		o.logger.Error("write log row", zap.Error(err))
	}
	if err := o.store.AddCredentialTokens(ctx, cred.ID, int64(usage.InputTokens), int64(usage.OutputTokens)); err != nil {
		o.logger.Error("add credential tokens", zap.Error(err))
	}
	if req.Token != nil {
		if err := o.store.IncrementTokenUsage(ctx, req.Token.ID, int64(usage.InputTokens), int64(usage.OutputTokens)); err != nil {
			o.logger.Error("increment token usage", zap.Error(err))
		}
	}
	if req.UserID != "" {
		cost := billableCost(current.Type, usage)
		if err := o.store.DecrementUserQuota(ctx, req.UserID, cost); err != nil {
			o.logger.Error("decrement user quota", zap.Error(err))
		}
		if err := o.store.AddUserTokens(ctx, req.UserID, int64(usage.InputTokens), int64(usage.OutputTokens)); err != nil {
			o.logger.Error("add user tokens", zap.Error(err))
		}
	}
}
