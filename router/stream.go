// Consumer-side adapter over a streaming entry's reply channel.

package router

import (
	"io"
	"strings"
)

// OnCloseFunc receives a stream's final accounting when the consumer closes
// it: total generated tokens, the stop reason (Cancelled when the stream was
// dropped mid-generation), lifecycle times if generation started, the full
// accumulated text, and the pending error if one terminated the stream.
type OnCloseFunc func(tokenCount uint32, reason StopReason, times *Times, output string, err error)

// ResponseStream yields one item per backend step for which the entry
// produced output, plus an initial item with the input token count and
// effective seed. It must be Closed by the consumer; Close reports the final
// accounting exactly once.
type ResponseStream struct {
	ch               *streamChannel
	decoder          Decoder
	includeTokenInfo bool
	onClose          OnCloseFunc

	tokenCount uint32
	// text accumulates deltas when the batching loop already decodes (the
	// entry has stop sequences); otherwise output is a detached incremental
	// decoder so detokenization stays off the hot path.
	text   strings.Builder
	output *IncrementalDecoder
	times  *Times
	reason StopReason
	err    error
	done   bool
	closed bool
}

func newResponseStream(ch *streamChannel, decoder Decoder, params *Parameters, onClose OnCloseFunc) *ResponseStream {
	s := &ResponseStream{
		ch:               ch,
		decoder:          decoder,
		includeTokenInfo: params.IncludeGenTokens,
		onClose:          onClose,
		reason:           StopNotFinished,
	}
	if len(params.StopSeqs) == 0 {
		s.output = NewIncrementalDecoder(decoder)
	}
	return s
}

// Recv blocks for the next item. It returns io.EOF after the terminal item
// has been delivered. Empty in-progress items (no text, no token info, not
// the first) are skipped silently.
func (s *ResponseStream) Recv() (*InferResponse, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		res, ok := s.ch.Recv()
		if !ok {
			s.done = true
			return nil, io.EOF
		}
		if res.Err != nil {
			s.err = res.Err
			s.done = true
			return nil, res.Err
		}

		ir := res.Response
		s.tokenCount = ir.GenTokenCount
		s.reason = ir.Reason
		if ir.Times != nil {
			s.times = ir.Times
		}

		if s.output == nil {
			s.text.WriteString(ir.OutputText)
		} else {
			if tok := ir.Tokens.first(); tok != nil {
				text, err := s.output.Next(tok.TokenID)
				if err != nil {
					return nil, s.fail(&DetokenizationError{Msg: err.Error()})
				}
				ir.OutputText = text
				ir.IsDecoded = true
			}
			if ir.Reason != StopNotFinished {
				flushed, err := s.output.Flush()
				if err != nil {
					return nil, s.fail(&DetokenizationError{Msg: err.Error()})
				}
				ir.OutputText += flushed
			}
		}

		if !s.includeTokenInfo {
			ir.Tokens.clear()
		}
		ir.decodeTokenInfos(s.decoder)

		if ir.Reason != StopNotFinished {
			s.done = true
		} else if ir.Tokens.isEmpty() && ir.OutputText == "" && ir.GenTokenCount != 0 {
			// Nothing surfaced this step (e.g. a held-back partial
			// character) and it is not the first item.
			continue
		}
		return ir, nil
	}
}

// Cancel abandons the reply channel. Unlike Close it is safe to call from
// another goroutine (e.g. when the requesting client disconnects): once the
// already buffered items are drained, pending and future Recvs return io.EOF,
// and the batching loop observes the closure as client cancellation on its
// next send.
func (s *ResponseStream) Cancel() {
	s.ch.Close()
}

func (s *ResponseStream) fail(err error) error {
	s.err = err
	s.done = true
	return err
}

// Close releases the stream and reports the final accounting. If no terminal
// reason was observed the reason is Cancelled, or Error when a decoding
// error is pending. Close is idempotent.
func (s *ResponseStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.ch.Close()

	reason := s.reason
	if reason == StopNotFinished {
		if s.err != nil {
			reason = StopError
		} else {
			reason = StopCancelled
		}
	}
	if s.onClose != nil {
		s.onClose(s.tokenCount, reason, s.times, s.outputString(), s.err)
	}
}

func (s *ResponseStream) outputString() string {
	if s.output != nil {
		return s.output.Output()
	}
	return s.text.String()
}
