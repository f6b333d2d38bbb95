package router

import (
	"context"
	"sync"

	"github.com/genroute/genroute/client"
)

// fakeBackend emulates a sharded generation server: it tracks live requests
// per cached batch, applies prunes communicated through CachedBatch statuses
// and to_prune lists, and completes requests server-side on eos or the
// request's token limit. A CachedBatch with nil status means every remaining
// request of that batch has completed.
type fakeBackend struct {
	mu          sync.Mutex
	nextBatchID uint64
	live        map[uint64][]uint64 // batch id -> live request ids
	gen         map[uint64]int      // request id -> tokens generated
	limit       map[uint64]int      // request id -> max_new_tokens from the wire
	eosAt       map[uint64]int      // request id -> generation step that yields eos
	errAt       map[uint64]int      // request id -> generation step that fails the request
	inputLen    map[uint64]int

	prefillCalls int
	stepCalls    int
	failPrefill  map[int]error // prefill call number -> error
	failStep     map[int]error // step call number -> error
	blockStep    map[int]chan struct{}
	blockPrefill map[int]chan struct{}

	eosID   uint32
	tokenID func(reqID uint64, n int) uint32
}

func newFakeBackend(eosID uint32, tokenID func(reqID uint64, n int) uint32) *fakeBackend {
	return &fakeBackend{
		nextBatchID:  1000,
		live:         map[uint64][]uint64{},
		gen:          map[uint64]int{},
		limit:        map[uint64]int{},
		eosAt:        map[uint64]int{},
		errAt:        map[uint64]int{},
		inputLen:     map[uint64]int{},
		failPrefill:  map[int]error{},
		failStep:     map[int]error{},
		blockStep:    map[int]chan struct{}{},
		blockPrefill: map[int]chan struct{}{},
		eosID:        eosID,
		tokenID:      tokenID,
	}
}

func (f *fakeBackend) Prefill(_ context.Context, batch *client.Batch, toPrune []*client.CachedBatch) (*client.GenerateResult, error) {
	f.mu.Lock()
	f.prefillCalls++
	call := f.prefillCalls
	gate := f.blockPrefill[call]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failPrefill[call]; err != nil {
		return nil, err
	}
	for _, cb := range toPrune {
		f.prune(cb)
	}

	ids := make([]uint64, 0, len(batch.Requests))
	for _, req := range batch.Requests {
		ids = append(ids, req.ID)
		f.limit[req.ID] = req.MaxNewTokens
		if req.ReturnInputTokens {
			f.inputLen[req.ID] = req.InputLength
		}
	}
	bid := f.nextBatchID
	f.nextBatchID++
	f.live[bid] = ids
	return f.generate(bid, ids, true), nil
}

func (f *fakeBackend) NextToken(_ context.Context, batches []*client.CachedBatch) (*client.GenerateResult, error) {
	f.mu.Lock()
	f.stepCalls++
	call := f.stepCalls
	gate := f.blockStep[call]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failStep[call]; err != nil {
		return nil, err
	}

	var combined []uint64
	for _, cb := range batches {
		combined = append(combined, f.prune(cb)...)
	}
	if len(combined) == 0 {
		return nil, nil
	}
	bid := f.nextBatchID
	f.nextBatchID++
	f.live[bid] = combined
	return f.generate(bid, combined, false), nil
}

// prune applies the router's completion view to a batch and returns the
// surviving request ids, removing the batch from the live map.
func (f *fakeBackend) prune(cb *client.CachedBatch) []uint64 {
	ids := f.live[cb.BatchID]
	delete(f.live, cb.BatchID)
	if cb.Status == nil {
		return nil
	}
	done := map[uint64]bool{}
	for _, id := range cb.Status.CompletedIDs {
		done[id] = true
	}
	var kept []uint64
	for _, id := range ids {
		if !done[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

// generate produces one token per live request, recording server-side
// completions (eos and token limits) so the batch drains without router
// involvement.
func (f *fakeBackend) generate(bid uint64, ids []uint64, withInputs bool) *client.GenerateResult {
	res := &client.GenerateResult{BatchID: bid}
	var kept []uint64
	for _, id := range ids {
		n := f.gen[id] + 1
		if f.errAt[id] == n {
			res.Errors = append(res.Errors, client.GenerateError{RequestID: id, Message: "boom"})
			continue
		}
		f.gen[id] = n
		tok := f.tokenID(id, n)
		if f.eosAt[id] == n {
			tok = f.eosID
		}
		res.Tokens = append(res.Tokens, client.Token{RequestID: id, TokenID: tok, Logprob: -0.1})
		if withInputs && f.inputLen[id] > 0 {
			in := client.InputTokens{RequestID: id}
			for i := 0; i < f.inputLen[id]; i++ {
				in.Tokens = append(in.Tokens, client.Token{RequestID: id, TokenID: uint32(i)})
			}
			res.InputTokens = append(res.InputTokens, in)
		}
		if tok == f.eosID || (f.limit[id] > 0 && n >= f.limit[id]) {
			continue
		}
		kept = append(kept, id)
	}
	f.live[bid] = kept
	return res
}

func (f *fakeBackend) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, ids := range f.live {
		total += len(ids)
	}
	return total
}

func (f *fakeBackend) prefills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefillCalls
}
