// Per-step bookkeeping over backend responses: distribute input tokens,
// apply generated tokens, evaluate stopping criteria, deliver responses.

package router

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/genroute/genroute/client"
)

// tokenProcessor lives on the batching task and owns the in-flight map. All
// entry mutation happens here.
type tokenProcessor struct {
	entries map[uint64]*Entry
	decoder Decoder
	health  *atomic.Bool
	metrics *Metrics
}

// backendCall is one prefill or next-token invocation.
type backendCall func() (*client.GenerateResult, error)

// wrapCall invokes the backend and folds the outcome into the in-flight map.
// A nil return means no batch remains, either because every request
// completed or because the call failed and its requests were terminated.
//
// startID scopes failure handling: when non-zero, only entries with
// id >= startID belong to the failed call (the growth-prefill case) and
// earlier entries are retained.
func (p *tokenProcessor) wrapCall(call backendCall, startID uint64) *client.CachedBatch {
	result, err := call()
	if err != nil {
		p.health.Store(false)
		p.metrics.BackendErrors.Add(1)
		p.sendErrors(err, startID)
		return nil
	}
	if result == nil {
		// All requests in the call met their stopping criteria server-side
		// on this step; nothing remains to track.
		return nil
	}

	p.processInputTokens(result.InputTokens)
	completedIDs, all := p.processNextTokens(result.Tokens, result.Errors)
	p.health.Store(true)

	cached := &client.CachedBatch{BatchID: result.BatchID}
	if !all {
		cached.Status = &client.RequestsStatus{CompletedIDs: completedIDs}
	}
	return cached
}

// sendErrors terminates every in-flight entry belonging to a failed call and
// removes it from the map.
func (p *tokenProcessor) sendErrors(err error, startID uint64) {
	for id, e := range p.entries {
		if startID != 0 && id < startID {
			// Entries admitted before the failed batch stay live.
			continue
		}
		e.sendFinal(errResult(&GenerationError{Msg: err.Error()}))
		delete(p.entries, id)
		p.metrics.Completed.Add(1)
	}
}

// processInputTokens attaches returned prompt tokens to their entries. For
// streaming entries a dedicated message is emitted immediately; unary
// entries keep them for the final response.
func (p *tokenProcessor) processInputTokens(inputs []client.InputTokens) {
	for _, in := range inputs {
		e, ok := p.entries[in.RequestID]
		if !ok {
			panic(fmt.Sprintf("input tokens for unknown request %d", in.RequestID))
		}
		if e.generatedTokens != 0 {
			panic(fmt.Sprintf("input tokens for request %d arrived after generation started", in.RequestID))
		}
		if e.isStream() {
			e.sendStream(okResult(streamInputInfo(in.Tokens)))
		} else {
			e.inputTokens = in.Tokens
		}
	}
}

// processNextTokens stores the step's token for each entry, evaluates
// stopping criteria, and sends output for streaming or completed requests.
// It returns the ids terminated this step and whether that was every entry
// in the call.
func (p *tokenProcessor) processNextTokens(
	outputs []client.Token, generateErrors []client.GenerateError,
) (completedIDs []uint64, all bool) {
	requestCount := len(outputs) + len(generateErrors)
	for _, out := range outputs {
		requestID := out.RequestID
		e, ok := p.entries[requestID]
		if !ok {
			panic(fmt.Sprintf("generated token for unknown request %d", requestID))
		}

		if e.generatedTokens == 0 && len(e.request.Parameters.StopSeqs) > 0 {
			e.output = NewIncrementalDecoder(p.decoder)
		}

		e.generatedTokens++
		isStream := e.isStream()
		if !isStream {
			// Token accumulation is only needed for unary requests;
			// streaming requests are sent each token immediately.
			e.tokenIDs = append(e.tokenIDs, out.TokenID)
			if e.request.Parameters.IncludeGenTokens {
				e.tokens = append(e.tokens, out)
			}
		}

		// Decoding happens in-loop only when stop sequences require it;
		// otherwise it is deferred to the per-request goroutine.
		var text *string
		if e.output != nil {
			decoded, err := e.output.Next(out.TokenID)
			if err != nil {
				e.sendFinal(errResult(&DetokenizationError{Msg: err.Error()}))
				delete(p.entries, requestID)
				p.metrics.Completed.Add(1)
				logrus.Infof("Completed request %d with reason %s: %s", requestID, StopError, err)
				completedIDs = append(completedIDs, requestID)
				continue
			}
			text = &decoded
		}

		stopReason := checkStoppingCriteria(e, out.TokenID, p.decoder.EOSTokenID(), text)

		if stopReason != StopNotFinished {
			delete(p.entries, requestID)

			var decodeErr error
			if text != nil {
				flushed, err := e.output.Flush()
				if err != nil {
					decodeErr = err
				} else {
					combined := *text + flushed
					text = &combined
				}
			}

			var res inferResult
			switch {
			case decodeErr != nil:
				res = errResult(&DetokenizationError{Msg: decodeErr.Error()})
			case isStream:
				res = okResult(streamFinal(out, text, e, stopReason))
			default:
				res = okResult(unaryResponse(e, stopReason))
			}
			e.sendFinal(res)
			p.metrics.Completed.Add(1)

		} else if isStream {
			if !e.sendStream(okResult(streamInprog(out, e.generatedTokens, text))) {
				delete(p.entries, requestID)
				stopReason = StopCancelled
				p.metrics.Cancelled.Add(1)
				logrus.Warnf("Aborted in-progress generation for streaming request %d cancelled by client", requestID)
			}

		} else if e.generatedTokens%16 == 0 && e.unaryClosed() {
			// The unary channel is only polled every 16 tokens to keep
			// cancellation checks off the per-token path.
			delete(p.entries, requestID)
			stopReason = StopCancelled
			p.metrics.Cancelled.Add(1)
			logrus.Warnf("Aborted in-progress generation for request %d cancelled by client", requestID)
		}

		if stopReason != StopNotFinished {
			logrus.Debugf("Completed request %d with reason %s", requestID, stopReason)
			completedIDs = append(completedIDs, requestID)
		}
	}

	for _, ge := range generateErrors {
		requestID := ge.RequestID
		e, ok := p.entries[requestID]
		if !ok {
			panic(fmt.Sprintf("generate error for unknown request %d", requestID))
		}
		message := ge.Message
		if n := e.generatedTokens; n > 0 {
			message = fmt.Sprintf("Error after generating %d tokens: %s", n, ge.Message)
		}
		e.sendFinal(errResult(&GenerationError{Msg: message}))
		delete(p.entries, requestID)
		p.metrics.Completed.Add(1)
		logrus.Infof("Completed request %d with reason %s: %s", requestID, StopError, ge.Message)
		completedIDs = append(completedIDs, requestID)
	}

	return completedIDs, len(completedIDs) == requestCount
}

// checkStoppingCriteria evaluates the stop conditions in priority order;
// the first match wins.
func checkStoppingCriteria(e *Entry, lastTokenID, eosTokenID uint32, lastText *string) StopReason {
	params := &e.request.Parameters
	switch {
	case params.Deadline != nil && time.Now().After(*params.Deadline):
		return StopTimeLimit
	case e.generatedTokens < uint32(params.MinNewTokens):
		return StopNotFinished
	case lastTokenID == eosTokenID:
		return StopEosToken
	case e.generatedTokens >= uint32(params.MaxNewTokens):
		if params.MaxIsTokenLimit {
			return StopTokenLimit
		}
		return StopMaxTokens
	case matchesStopSequence(e, lastText):
		return StopSequence
	default:
		return StopNotFinished
	}
}

// matchesStopSequence searches the tail of the accumulated decoded output
// for any stop sequence. Matching is on bytes rather than token ids to avoid
// tokenizer-boundary false negatives. Since exactly one token was appended
// since the last check, any new occurrence must touch the newly emitted
// suffix, so the window is |stop| + |bytes added this step|.
func matchesStopSequence(e *Entry, lastText *string) bool {
	if lastText == nil {
		return false
	}
	output := []byte(e.output.Output())
	nextOff := len(output) - len(*lastText)
	for _, ss := range e.request.Parameters.StopSeqs {
		seq := []byte(ss)
		start := nextOff - len(seq)
		if start < 0 {
			start = 0
		}
		tail := output[start:]
		for i := len(tail) - len(seq); i >= 0; i-- {
			if bytes.Equal(tail[i:i+len(seq)], seq) {
				return true
			}
		}
	}
	return false
}
