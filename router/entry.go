// Defines the Entry struct: one request's server-side state for its
// lifetime, from admission through termination.

package router

import (
	"context"
	"time"

	"github.com/genroute/genroute/client"
)

// Parameters are the immutable generation settings of a request.
type Parameters struct {
	MinNewTokens    int
	MaxNewTokens    int
	MaxIsTokenLimit bool // report TOKEN_LIMIT instead of MAX_TOKENS at the cap
	StopSeqs        []string
	// Deadline, when set, bounds total time in the system. It is checked at
	// admission and after every generated token.
	Deadline           *time.Time
	Seed               *uint64
	IncludeInputText   bool
	IncludeGenTokens   bool
	IncludeInputTokens bool
	// Sampling settings are forwarded to the shards untouched.
	Sampling client.SamplingParameters
}

func (p *Parameters) effectiveSeed() uint64 {
	if p.Seed == nil {
		return 0
	}
	return *p.Seed
}

// GenerateRequest is a prompt plus its generation parameters.
type GenerateRequest struct {
	Inputs     string
	Parameters Parameters
}

// Entry tracks a single in-flight generation. It is owned by the Queue until
// admitted into a batch, then by the batching task's in-flight map, and is
// consumed when its terminal response is built.
//
// An entry holds exactly one reply channel for its lifetime: a one-shot
// unary channel or an unbounded streaming channel.
type Entry struct {
	id          uint64
	inputLength int
	request     GenerateRequest

	queueTime time.Time
	batchTime time.Time

	generatedTokens uint32
	// tokenIDs accumulates generated ids for deferred unary detokenization.
	tokenIDs []uint32
	// tokens holds full token metadata, only when the request asked for it.
	tokens []client.Token
	// inputTokens is populated from the first backend response.
	inputTokens []client.Token
	// output is the incremental decoder, instantiated lazily when the
	// request has stop sequences.
	output *IncrementalDecoder

	// ctx is the requesting client's context; its cancellation is how the
	// router observes that the client has gone away.
	ctx      context.Context
	response chan inferResult // unary reply channel, nil for streaming
	stream   *streamChannel   // streaming reply channel, nil for unary
}

func newUnaryEntry(ctx context.Context, req GenerateRequest, inputLength int) *Entry {
	return &Entry{
		inputLength: inputLength,
		request:     req,
		queueTime:   time.Now(),
		ctx:         ctx,
		response:    make(chan inferResult, 1),
	}
}

func newStreamEntry(ctx context.Context, req GenerateRequest, inputLength int, stream *streamChannel) *Entry {
	return &Entry{
		inputLength: inputLength,
		request:     req,
		queueTime:   time.Now(),
		ctx:         ctx,
		stream:      stream,
	}
}

func (e *Entry) isStream() bool {
	return e.stream != nil
}

// sendFinal delivers the terminal result. A gone receiver is not an error:
// the buffered unary channel absorbs the send and a closed stream drops it.
func (e *Entry) sendFinal(res inferResult) {
	if e.stream != nil {
		e.stream.Send(res)
		e.stream.CloseSend()
		return
	}
	select {
	case e.response <- res:
	default:
	}
}

// sendStream delivers an in-progress streaming result. It reports false when
// the receiver has closed the stream, which signals client cancellation.
func (e *Entry) sendStream(res inferResult) bool {
	return e.stream.Send(res)
}

// unaryClosed reports whether the unary client has gone away.
func (e *Entry) unaryClosed() bool {
	return e.ctx.Err() != nil
}
