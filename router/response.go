// Response types flowing from the batching loop to request handlers.

package router

import (
	"time"

	"github.com/genroute/genroute/client"
)

// StopReason says why (or whether) a request's generation ended.
type StopReason int

const (
	StopNotFinished StopReason = iota
	StopEosToken
	StopMaxTokens
	StopTokenLimit
	StopSequence
	StopTimeLimit
	StopCancelled
	StopError
)

var stopReasonNames = map[StopReason]string{
	StopNotFinished: "NOT_FINISHED",
	StopEosToken:    "EOS_TOKEN",
	StopMaxTokens:   "MAX_TOKENS",
	StopTokenLimit:  "TOKEN_LIMIT",
	StopSequence:    "STOP_SEQUENCE",
	StopTimeLimit:   "TIME_LIMIT",
	StopCancelled:   "CANCELLED",
	StopError:       "ERROR",
}

func (r StopReason) String() string {
	if name, ok := stopReasonNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalJSON renders the reason as its wire name.
func (r StopReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Times records a request's lifecycle timestamps: enqueue, first prefill,
// and termination. All three use the monotonic clock.
type Times struct {
	Queued time.Time
	Start  time.Time
	End    time.Time
}

func timesFor(e *Entry) *Times {
	return &Times{Queued: e.queueTime, Start: e.batchTime, End: time.Now()}
}

// TopTokenInfo is a decoded high-probability alternative token.
type TopTokenInfo struct {
	Text    string  `json:"text"`
	Logprob float32 `json:"logprob"`
}

// TokenInfo is a decoded generated token with its metadata.
type TokenInfo struct {
	Text      string         `json:"text"`
	Logprob   float32        `json:"logprob"`
	Rank      uint32         `json:"rank,omitempty"`
	TopTokens []TopTokenInfo `json:"top_tokens,omitempty"`
}

// TokenInfos holds generated-token metadata, initially as the raw shard
// tokens (ids only) and decoded to strings exactly once before the response
// leaves the router.
type TokenInfos struct {
	raw     []client.Token
	decoded []TokenInfo
}

func withIDs(tokens ...client.Token) TokenInfos {
	return TokenInfos{raw: tokens}
}

func (t *TokenInfos) isEmpty() bool {
	return len(t.raw) == 0 && len(t.decoded) == 0
}

func (t *TokenInfos) clear() {
	t.raw = nil
	t.decoded = nil
}

// first returns the raw token carried by a streaming response, if any.
func (t *TokenInfos) first() *client.Token {
	if len(t.raw) == 0 {
		return nil
	}
	return &t.raw[0]
}

func (t *TokenInfos) decode(dec Decoder) {
	if t.raw == nil {
		return
	}
	t.decoded = make([]TokenInfo, len(t.raw))
	for i, tok := range t.raw {
		t.decoded[i] = decodeTokenInfo(tok, dec)
	}
	t.raw = nil
}

// Final returns the decoded token infos for inclusion in an API response.
func (t *TokenInfos) Final() []TokenInfo {
	return t.decoded
}

func decodeTokenInfo(tok client.Token, dec Decoder) TokenInfo {
	info := TokenInfo{
		Text:    tokenText(dec, tok.TokenID),
		Logprob: tok.Logprob,
		Rank:    tok.Rank,
	}
	for _, tt := range tok.TopTokens {
		info.TopTokens = append(info.TopTokens, TopTokenInfo{
			Text:    tokenText(dec, tt.TokenID),
			Logprob: tt.Logprob,
		})
	}
	return info
}

// InferResponse is a single event on a request's reply channel. Streaming
// requests see one per step plus a terminal one; unary requests see exactly
// one, the terminal.
type InferResponse struct {
	OutputText string
	// IsDecoded is false while the text is still represented by TokenIDs;
	// unary responses without stop sequences are decoded outside the
	// batching loop.
	IsDecoded     bool
	GenTokenCount uint32
	// TokenIDs is populated only for unary responses.
	TokenIDs []uint32
	// Tokens holds at most one token in the streaming case and, in the unary
	// case, all generated tokens when the request asked for them.
	Tokens       TokenInfos
	InTokens     TokenInfos
	Reason       StopReason
	InTokenCount uint32
	Times        *Times
	Seed         uint64
}

// streamInputInfo is the dedicated first streaming message carrying the
// tokenized prompt.
func streamInputInfo(inTokens []client.Token) *InferResponse {
	return &InferResponse{
		InTokenCount: uint32(len(inTokens)),
		InTokens:     withIDs(inTokens...),
		IsDecoded:    true,
	}
}

// streamInprog is an in-progress streaming message for one generated token.
func streamInprog(token client.Token, count uint32, text *string) *InferResponse {
	r := &InferResponse{
		GenTokenCount: count,
		Tokens:        withIDs(token),
	}
	if text != nil {
		r.OutputText = *text
		r.IsDecoded = true
	}
	return r
}

// streamFinal is the terminal streaming message.
func streamFinal(token client.Token, text *string, e *Entry, reason StopReason) *InferResponse {
	r := &InferResponse{
		GenTokenCount: e.generatedTokens,
		Tokens:        withIDs(token),
		Reason:        reason,
		Times:         timesFor(e),
		Seed:          e.request.Parameters.effectiveSeed(),
	}
	if text != nil {
		r.OutputText = *text
		r.IsDecoded = true
	}
	return r
}

// unaryResponse builds the single terminal message of a unary request,
// consuming the entry's accumulators.
func unaryResponse(e *Entry, reason StopReason) *InferResponse {
	var text string
	if e.request.Parameters.IncludeInputText {
		text = e.request.Inputs
	}
	isDecoded := false
	if e.output != nil {
		isDecoded = true
		text += e.output.Output()
	}
	r := &InferResponse{
		OutputText:    text,
		IsDecoded:     isDecoded,
		GenTokenCount: e.generatedTokens,
		TokenIDs:      e.tokenIDs,
		Tokens:        withIDs(e.tokens...),
		InTokens:      withIDs(e.inputTokens...),
		Reason:        reason,
		InTokenCount:  uint32(e.inputLength),
		Times:         timesFor(e),
		Seed:          e.request.Parameters.effectiveSeed(),
	}
	e.tokenIDs = nil
	e.tokens = nil
	e.inputTokens = nil
	e.output = nil
	return r
}

// earlyTimeout is the terminal for an entry whose deadline expired before it
// was ever batched. The input token count is only included for unary entries;
// streaming entries were already sent theirs up front.
func earlyTimeout(e *Entry) *InferResponse {
	r := &InferResponse{
		Reason:    StopTimeLimit,
		IsDecoded: true,
		Times:     &Times{Queued: e.queueTime, Start: time.Now(), End: time.Now()},
	}
	if !e.isStream() {
		r.InTokenCount = uint32(e.inputLength)
	}
	return r
}

// decodeTokenInfos converts any raw token metadata to decoded strings.
func (r *InferResponse) decodeTokenInfos(dec Decoder) {
	r.Tokens.decode(dec)
	r.InTokens.decode(dec)
}

// ensureDecoded produces the final text for a unary response whose
// detokenization was deferred out of the batching loop.
func (r *InferResponse) ensureDecoded(dec Decoder) (*InferResponse, error) {
	r.decodeTokenInfos(dec)
	if r.IsDecoded {
		return r, nil
	}
	text, err := dec.Decode(r.TokenIDs)
	if err != nil {
		return nil, &DetokenizationError{Msg: err.Error()}
	}
	r.OutputText += text
	r.IsDecoded = true
	return r, nil
}

// inferResult is what actually travels on a reply channel: a response or a
// terminal error, never both.
type inferResult struct {
	Response *InferResponse
	Err      error
}

func okResult(r *InferResponse) inferResult { return inferResult{Response: r} }
func errResult(err error) inferResult      { return inferResult{Err: err} }
