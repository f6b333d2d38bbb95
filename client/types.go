// Wire types exchanged with the model-serving shards. The shapes mirror the
// generation server's API: a Batch is submitted once via Prefill and then
// referred to by its CachedBatch handle on every subsequent NextToken call.

package client

// SamplingParameters are forwarded to the shards untouched; the router never
// interprets them.
type SamplingParameters struct {
	Temperature       float32 `json:"temperature,omitempty"`
	TopK              uint32  `json:"top_k,omitempty"`
	TopP              float32 `json:"top_p,omitempty"`
	TypicalP          float32 `json:"typical_p,omitempty"`
	RepetitionPenalty float32 `json:"repetition_penalty,omitempty"`
	LengthPenalty     float32 `json:"length_penalty,omitempty"`
	Seed              *uint64 `json:"seed,omitempty"`
}

// Request is one generation request within a Batch.
type Request struct {
	ID           uint64             `json:"id"`
	Inputs       string             `json:"inputs"`
	InputLength  int                `json:"input_length"`
	MaxNewTokens int                `json:"max_new_tokens"`
	MinNewTokens int                `json:"min_new_tokens"`
	// ReturnInputTokens asks the server to include the tokenized prompt in
	// its first response for this request.
	ReturnInputTokens bool               `json:"return_input_tokens,omitempty"`
	Parameters        SamplingParameters `json:"parameters"`
}

// Batch is a freshly formed set of requests submitted with Prefill.
type Batch struct {
	ID          uint64    `json:"id"`
	Requests    []Request `json:"requests"`
	TotalTokens int       `json:"total_tokens,omitempty"`
}

// TopToken is one of the highest-probability alternatives for a position.
type TopToken struct {
	TokenID uint32  `json:"token_id"`
	Logprob float32 `json:"logprob"`
}

// Token is a single generated token for a request.
type Token struct {
	RequestID uint64     `json:"request_id"`
	TokenID   uint32     `json:"token_id"`
	Logprob   float32    `json:"logprob"`
	Rank      uint32     `json:"rank,omitempty"`
	TopTokens []TopToken `json:"top_tokens,omitempty"`
}

// InputTokens carries the tokenized prompt for a request, returned once on
// the first response that includes the request.
type InputTokens struct {
	RequestID uint64  `json:"request_id"`
	Tokens    []Token `json:"tokens"`
}

// GenerateError is a per-request generation failure that terminates the
// request without failing the batch it belongs to.
type GenerateError struct {
	RequestID uint64 `json:"request_id"`
	Message   string `json:"message"`
}

// RequestsStatus lists the requests of a batch that the router has completed
// since the last call. The shards drop these server-side when the batch is
// next submitted.
type RequestsStatus struct {
	CompletedIDs []uint64 `json:"completed_ids"`
}

// CachedBatch is the server-side handle for a batch's retained KV state
// between steps.
//
// The router leaves Status nil when every request of the batch terminated,
// so a nil Status submitted back to the shards means the whole batch is
// complete. SomeCompleted treats a nil Status as "some completed".
type CachedBatch struct {
	BatchID uint64          `json:"batch_id"`
	Status  *RequestsStatus `json:"status,omitempty"`
}

// SomeCompleted reports whether any request of the batch completed during the
// step that produced this handle.
func (b *CachedBatch) SomeCompleted() bool {
	return b.Status == nil || len(b.Status.CompletedIDs) > 0
}

// GenerateResult is the aggregate outcome of one Prefill or NextToken call:
// exactly one generated token per live request, prompt token info for
// requests seen for the first time, and any per-request failures. A nil
// *GenerateResult (absent body field) means every request in the call has
// completed and no batch remains.
type GenerateResult struct {
	Tokens      []Token         `json:"generated"`
	InputTokens []InputTokens   `json:"inputs,omitempty"`
	Errors      []GenerateError `json:"errors,omitempty"`
	BatchID     uint64          `json:"batch_id"`
}
