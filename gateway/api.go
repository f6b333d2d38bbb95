// JSON request/response shapes of the HTTP API.

package gateway

import (
	"fmt"
	"time"

	"github.com/genroute/genroute/client"
	"github.com/genroute/genroute/router"
)

const maxStopSequences = 6

// generateParams mirrors router.Parameters on the wire.
type generateParams struct {
	MinNewTokens    int      `json:"min_new_tokens"`
	MaxNewTokens    int      `json:"max_new_tokens"`
	MaxIsTokenLimit bool     `json:"max_is_token_limit"`
	StopSequences   []string `json:"stop_sequences"`
	// TimeoutMS bounds total time in the system, enforced from admission
	// onward.
	TimeoutMS          int64   `json:"timeout_ms"`
	Seed               *uint64 `json:"seed"`
	IncludeInputText   bool    `json:"include_input_text"`
	IncludeGenTokens   bool    `json:"include_gen_tokens"`
	IncludeInputTokens bool    `json:"include_input_tokens"`

	Sampling client.SamplingParameters `json:"sampling"`
}

// generateBody is the request body of /v1/generate and /v1/generate_stream.
type generateBody struct {
	Inputs     string         `json:"inputs"`
	Parameters generateParams `json:"parameters"`
}

func (b *generateBody) validate() error {
	if b.Inputs == "" {
		return fmt.Errorf("inputs must not be empty")
	}
	p := &b.Parameters
	if p.MaxNewTokens < 1 {
		return fmt.Errorf("max_new_tokens must be at least 1")
	}
	if p.MinNewTokens < 0 || p.MinNewTokens > p.MaxNewTokens {
		return fmt.Errorf("min_new_tokens must be between 0 and max_new_tokens")
	}
	if len(p.StopSequences) > maxStopSequences {
		return fmt.Errorf("at most %d stop sequences are allowed", maxStopSequences)
	}
	for _, s := range p.StopSequences {
		if s == "" {
			return fmt.Errorf("stop sequences must not be empty")
		}
	}
	if p.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms must not be negative")
	}
	return nil
}

func (b *generateBody) toRequest() router.GenerateRequest {
	p := &b.Parameters
	params := router.Parameters{
		MinNewTokens:       p.MinNewTokens,
		MaxNewTokens:       p.MaxNewTokens,
		MaxIsTokenLimit:    p.MaxIsTokenLimit,
		StopSeqs:           p.StopSequences,
		Seed:               p.Seed,
		IncludeInputText:   p.IncludeInputText,
		IncludeGenTokens:   p.IncludeGenTokens,
		IncludeInputTokens: p.IncludeInputTokens,
		Sampling:           p.Sampling,
	}
	if p.TimeoutMS > 0 {
		deadline := time.Now().Add(time.Duration(p.TimeoutMS) * time.Millisecond)
		params.Deadline = &deadline
	}
	return router.GenerateRequest{Inputs: b.Inputs, Parameters: params}
}

type timesBody struct {
	QueueMS      int64 `json:"queue_ms"`
	GenerationMS int64 `json:"generation_ms"`
}

func toTimesBody(t *router.Times) *timesBody {
	if t == nil {
		return nil
	}
	return &timesBody{
		QueueMS:      t.Start.Sub(t.Queued).Milliseconds(),
		GenerationMS: t.End.Sub(t.Start).Milliseconds(),
	}
}

// generateResponse is the unary response body.
type generateResponse struct {
	Text            string             `json:"text"`
	StopReason      router.StopReason  `json:"stop_reason"`
	GeneratedTokens uint32             `json:"generated_tokens"`
	InputTokenCount uint32             `json:"input_token_count"`
	Tokens          []router.TokenInfo `json:"tokens,omitempty"`
	InputTokens     []router.TokenInfo `json:"input_tokens,omitempty"`
	Seed            uint64             `json:"seed,omitempty"`
	Times           *timesBody         `json:"times,omitempty"`
}

func toGenerateResponse(r *router.InferResponse, includeInputTokens bool) generateResponse {
	out := generateResponse{
		Text:            r.OutputText,
		StopReason:      r.Reason,
		GeneratedTokens: r.GenTokenCount,
		InputTokenCount: r.InTokenCount,
		Tokens:          r.Tokens.Final(),
		Seed:            r.Seed,
		Times:           toTimesBody(r.Times),
	}
	if includeInputTokens {
		out.InputTokens = r.InTokens.Final()
	}
	return out
}

// streamEvent is one SSE payload of /v1/generate_stream.
type streamEvent struct {
	Text            string             `json:"text,omitempty"`
	GeneratedTokens uint32             `json:"generated_tokens,omitempty"`
	InputTokenCount uint32             `json:"input_token_count,omitempty"`
	Tokens          []router.TokenInfo `json:"tokens,omitempty"`
	InputTokens     []router.TokenInfo `json:"input_tokens,omitempty"`
	StopReason      *router.StopReason `json:"stop_reason,omitempty"`
	Seed            uint64             `json:"seed,omitempty"`
	Times           *timesBody         `json:"times,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}
