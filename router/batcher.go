// Batching and inference logic: the Batcher accepts independent generation
// requests and aggregates them into continuously batched backend calls, one
// decoding step at a time.

package router

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/genroute/genroute/client"
)

// GenerationClient is the contract the batching loop uses to drive a sharded
// model server. client.ShardedClient implements it.
type GenerationClient interface {
	// Prefill runs the first decoding step for a fresh batch, optionally
	// pruning completed requests out of previously submitted batches. A nil
	// result means every request in the call completed.
	Prefill(ctx context.Context, batch *client.Batch, toPrune []*client.CachedBatch) (*client.GenerateResult, error)
	// NextToken advances each supplied batch by exactly one token.
	NextToken(ctx context.Context, batches []*client.CachedBatch) (*client.GenerateResult, error)
}

// growthWarmupTokens is the minimum number of decode steps between
// consecutive batch growths; it prevents pathological grow-every-step
// behavior.
const growthWarmupTokens = 5

// Batcher is the request-side handle to the batching task.
type Batcher struct {
	sender    chan []*Entry
	decoder   Decoder
	metrics   *Metrics
	done      chan struct{}
	closeOnce sync.Once
}

// NewBatcher starts the background batching task and returns the handle used
// to submit requests. batchType may be nil, in which case it is derived from
// the config (token-budget when MaxBatchWeight is set, size-only otherwise).
// health is flipped false whenever a backend call fails and true whenever a
// call returns a result, for external liveness probes; a call that reports
// every request completed (nil result) leaves it unchanged.
func NewBatcher(
	backend GenerationClient,
	decoder Decoder,
	cfg BatchingConfig,
	batchType BatchType,
	health *atomic.Bool,
) *Batcher {
	cfg = cfg.withDefaults()
	if batchType == nil {
		if cfg.MaxBatchWeight > 0 {
			batchType = TokenBudgetBatch{MaxBatchWeight: cfg.MaxBatchWeight}
		} else {
			batchType = SizeOnlyBatch{}
		}
	}

	b := &Batcher{
		sender:  make(chan []*Entry, cfg.QueueSize),
		decoder: decoder,
		metrics: &Metrics{},
		done:    make(chan struct{}),
	}
	queue := newQueue(cfg, batchType, b.sender, b.metrics)

	go b.batchingTask(backend, queue, cfg, health)

	return b
}

// Metrics exposes the router counters.
func (b *Batcher) Metrics() *Metrics {
	return b.metrics
}

// Close stops ingress and waits for the batching task to drain in-flight
// work and exit.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		close(b.sender)
	})
	<-b.done
}

// enqueue performs a non-blocking admission; all entries in one call succeed
// or all fail.
func (b *Batcher) enqueue(entries []*Entry) error {
	select {
	case b.sender <- entries:
		b.metrics.Enqueued.Add(uint64(len(entries)))
		return nil
	default:
		b.metrics.QueueFull.Add(1)
		return ErrRequestQueueFull
	}
}

// Infer submits one unary request and blocks until its terminal response.
// Detokenization deferred by the batching loop happens here, on the
// caller's goroutine.
func (b *Batcher) Infer(ctx context.Context, inputLength int, req GenerateRequest) (*InferResponse, error) {
	e := newUnaryEntry(ctx, req, inputLength)
	if err := b.enqueue([]*Entry{e}); err != nil {
		return nil, err
	}
	return awaitUnary(ctx, e, b.decoder)
}

// InferItem is one request of a batched unary admission.
type InferItem struct {
	InputLength int
	Request     GenerateRequest
}

// UnaryHandle is a pending unary response from InferBatch.
type UnaryHandle struct {
	entry   *Entry
	decoder Decoder
}

// Result blocks until the terminal response for this handle's request.
func (h *UnaryHandle) Result(ctx context.Context) (*InferResponse, error) {
	return awaitUnary(ctx, h.entry, h.decoder)
}

// InferBatch atomically admits several unary requests in FIFO order; either
// every request is queued or none is.
func (b *Batcher) InferBatch(ctx context.Context, items []InferItem) ([]*UnaryHandle, error) {
	entries := make([]*Entry, len(items))
	handles := make([]*UnaryHandle, len(items))
	for i, item := range items {
		entries[i] = newUnaryEntry(ctx, item.Request, item.InputLength)
		handles[i] = &UnaryHandle{entry: entries[i], decoder: b.decoder}
	}
	if err := b.enqueue(entries); err != nil {
		return nil, err
	}
	return handles, nil
}

func awaitUnary(ctx context.Context, e *Entry, decoder Decoder) (*InferResponse, error) {
	select {
	case res := <-e.response:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Response.ensureDecoded(decoder)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InferStream submits one streaming request. The returned stream's first
// item carries the input token count (plus the input text when requested)
// and the effective seed; onClose receives the final accounting when the
// consumer closes the stream.
func (b *Batcher) InferStream(
	ctx context.Context,
	inputLength int,
	req GenerateRequest,
	onClose OnCloseFunc,
) (*ResponseStream, error) {
	ch := newStreamChannel()

	first := &InferResponse{
		InTokenCount: uint32(inputLength),
		IsDecoded:    true,
		Seed:         req.Parameters.effectiveSeed(),
	}
	if req.Parameters.IncludeInputText {
		first.OutputText = req.Inputs
	}
	ch.Send(okResult(first))

	e := newStreamEntry(ctx, req, inputLength, ch)
	if err := b.enqueue([]*Entry{e}); err != nil {
		return nil, err
	}
	return newResponseStream(ch, b.decoder, &req.Parameters, onClose), nil
}

// batchingTask runs the scheduler: it owns the in-flight map, forms batches,
// invokes the backend, grows in-flight batches, and handles failures. It is
// the only goroutine that mutates entries. A panic here is fatal to the
// process, preserving the single-writer invariant on the in-flight map.
func (b *Batcher) batchingTask(backend GenerationClient, queue *Queue, cfg BatchingConfig, health *atomic.Bool) {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			logrus.Fatalf("Batching task panicked: %v", r)
		}
	}()

	ctx := context.Background()
	p := &tokenProcessor{
		entries: make(map[uint64]*Entry),
		decoder: b.decoder,
		health:  health,
		metrics: b.metrics,
	}

	for {
		batch := queue.NextBatch(p.entries)
		if batch == nil {
			b.metrics.Log()
			return
		}
		logrus.Debugf("Pulled batch of %d request(s) from queue: %v", len(batch.Entries), entryIDs(batch))
		b.addToInFlight(p, batch)
		logNewBatch(batch.ID, p.entries)
		b.metrics.BatchesStarted.Add(1)

		wireBatch := toWireBatch(batch)
		cached := p.wrapCall(func() (*client.GenerateResult, error) {
			return backend.Prefill(ctx, wireBatch, nil)
		}, 0)
		waitingTokens := 1

		// Step until the backend reports no batch remaining, i.e. until
		// every request has met its stopping criteria.
		for cached != nil {
			batchSize := len(p.entries)
			batchID := cached.BatchID
			someCompleted := cached.SomeCompleted()
			batches := []*client.CachedBatch{cached}

			if shouldGrowBatch(batchSize, queue, cfg, waitingTokens, someCompleted) {
				if newBatch := queue.TryNextBatch(p.entries); newBatch != nil {
					logrus.Debugf("Pulled batch of %d extra request(s) from queue: %v",
						len(newBatch.Entries), entryIDs(newBatch))
					b.addToInFlight(p, newBatch)
					b.metrics.BatchesGrown.Add(1)

					// The current batch needs pruning unless it reported no
					// completions at all.
					var toPrune []*client.CachedBatch
					if batches[0].SomeCompleted() {
						toPrune = []*client.CachedBatch{cloneCachedBatch(batches[0])}
					}

					startID := newBatch.Entries[0].id
					wireNew := toWireBatch(newBatch)
					newCached := p.wrapCall(func() (*client.GenerateResult, error) {
						return backend.Prefill(ctx, wireNew, toPrune)
					}, startID)

					// The prefill call applied the prune synchronously, so
					// the server no longer tracks the pruned completions.
					if batches[0].Status != nil {
						batches[0].Status.CompletedIDs = nil
					} else {
						batches = batches[:0]
					}
					waitingTokens = 1

					if newCached != nil {
						batches = append(batches, newCached)
						combinedID := newCached.BatchID
						addedSize := len(p.entries) - batchSize
						if batchSize > 0 {
							combinedID = batchID
							if addedSize > 0 {
								logrus.Infof("Extending batch #%d of %d with additional batch #%d of %d",
									batchID, batchSize, newCached.BatchID, addedSize)
							}
						} else if len(p.entries) > 0 {
							logrus.Infof("Replacing completed batch #%d with new batch #%d of %d",
								batchID, newCached.BatchID, len(p.entries))
						}
						if addedSize > 0 {
							logNewBatch(combinedID, p.entries)
						}
					}
				}
			}

			if len(batches) == 0 {
				cached = nil
				continue
			}
			stepBatches := batches
			cached = p.wrapCall(func() (*client.GenerateResult, error) {
				return backend.NextToken(ctx, stepBatches)
			}, 0)
			waitingTokens++
		}
	}
}

// addToInFlight moves a queue batch into the in-flight map.
func (b *Batcher) addToInFlight(p *tokenProcessor, batch *Batch) {
	for _, e := range batch.Entries {
		p.entries[e.id] = e
	}
}

// shouldGrowBatch determines whether to attempt pulling more requests from
// the queue: only after the warmup period since the last growth, only below
// the size limit, and only when progress was made, the wait cap was reached,
// or a queued entry is at risk of waiting too long.
func shouldGrowBatch(inFlight int, queue *Queue, cfg BatchingConfig, waitingTokens int, someCompleted bool) bool {
	return waitingTokens > growthWarmupTokens && inFlight < cfg.SizeLimit &&
		(waitingTokens >= cfg.MaxWaitingTokens ||
			someCompleted ||
			queue.NextEntryWaitingTooLong())
}

func toWireBatch(b *Batch) *client.Batch {
	wire := &client.Batch{ID: b.ID, Requests: make([]client.Request, len(b.Entries))}
	for i, e := range b.Entries {
		params := &e.request.Parameters
		wire.Requests[i] = client.Request{
			ID:                e.id,
			Inputs:            e.request.Inputs,
			InputLength:       e.inputLength,
			MaxNewTokens:      params.MaxNewTokens,
			MinNewTokens:      params.MinNewTokens,
			ReturnInputTokens: params.IncludeInputTokens,
			Parameters:        params.Sampling,
		}
		wire.TotalTokens += entryWeight(e)
	}
	return wire
}

func cloneCachedBatch(cb *client.CachedBatch) *client.CachedBatch {
	clone := &client.CachedBatch{BatchID: cb.BatchID}
	if cb.Status != nil {
		ids := make([]uint64, len(cb.Status.CompletedIDs))
		copy(ids, cb.Status.CompletedIDs)
		clone.Status = &client.RequestsStatus{CompletedIDs: ids}
	}
	return clone
}

func entryIDs(b *Batch) []uint64 {
	ids := make([]uint64, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.id
	}
	return ids
}

func logNewBatch(id uint64, entries map[uint64]*Entry) {
	if len(entries) == 0 {
		return
	}
	totalToks := 0
	maxNewToks := 0
	for _, e := range entries {
		totalToks += e.inputLength
		if remaining := e.request.Parameters.MaxNewTokens - int(e.generatedTokens); remaining > maxNewToks {
			maxNewToks = remaining
		}
	}
	logrus.Infof("New or updated batch #%d of size %d (%d total toks), max new toks = %d",
		id, len(entries), totalToks, maxNewToks)
}
