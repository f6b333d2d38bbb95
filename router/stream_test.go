package router

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecord struct {
	called     bool
	tokenCount uint32
	reason     StopReason
	times      *Times
	output     string
	err        error
}

func recordingOnClose(rec *closeRecord) OnCloseFunc {
	return func(tokenCount uint32, reason StopReason, times *Times, output string, err error) {
		*rec = closeRecord{true, tokenCount, reason, times, output, err}
	}
}

func streamWithParams(params Parameters) (*streamChannel, *ResponseStream, *closeRecord) {
	ch := newStreamChannel()
	rec := &closeRecord{}
	s := newResponseStream(ch, testDecoder(), &params, recordingOnClose(rec))
	return ch, s, rec
}

func initialItem(inTokens uint32) inferResult {
	return okResult(&InferResponse{InTokenCount: inTokens, IsDecoded: true})
}

func TestResponseStream_SkipsEmptyInProgressItems(t *testing.T) {
	// GIVEN a stream whose entry has stop sequences (text arrives decoded)
	ch, s, _ := streamWithParams(Parameters{StopSeqs: []string{"zz"}})
	ch.Send(initialItem(4))
	// An in-progress item with no text and no requested token info.
	ch.Send(okResult(streamInprog(tok(1, 3), 1, nil)))
	delta := " the"
	ch.Send(okResult(streamInprog(tok(1, 3), 2, &delta)))

	first, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), first.InTokenCount)

	// THEN the empty item is skipped and the next one surfaces text
	item, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), item.GenTokenCount)
	assert.Equal(t, " the", item.OutputText)
}

func TestResponseStream_DropMidGenerationReportsCancelled(t *testing.T) {
	ch, s, rec := streamWithParams(Parameters{StopSeqs: []string{"zz"}})
	ch.Send(initialItem(4))
	delta := " the"
	ch.Send(okResult(streamInprog(tok(1, 3), 1, &delta)))

	_, err := s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	require.NoError(t, err)

	// WHEN the consumer drops the stream before a terminal item
	s.Close()

	// THEN the sink sees Cancelled with the accumulated text
	require.True(t, rec.called)
	assert.Equal(t, StopCancelled, rec.reason)
	assert.Equal(t, uint32(1), rec.tokenCount)
	assert.Equal(t, " the", rec.output)
	assert.NoError(t, rec.err)
}

func TestResponseStream_TerminalReasonReachesSink(t *testing.T) {
	// GIVEN a stream without stop sequences (the adapter detokenizes)
	ch, s, rec := streamWithParams(Parameters{})
	ch.Send(initialItem(4))
	ch.Send(okResult(streamInprog(tok(1, 3), 1, nil)))
	e := &Entry{
		generatedTokens: 2,
		batchTime:       time.Now(),
		queueTime:       time.Now(),
		request:         GenerateRequest{Parameters: Parameters{}},
	}
	ch.Send(okResult(streamFinal(tok(1, 4), nil, e, StopEosToken)))

	var items []*InferResponse
	for {
		item, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		items = append(items, item)
	}
	s.Close()

	// The adapter decoded each token off the hot path.
	require.Len(t, items, 3)
	assert.Equal(t, " the", items[1].OutputText)
	assert.Equal(t, " cat", items[2].OutputText)
	assert.Equal(t, StopEosToken, items[2].Reason)

	assert.Equal(t, StopEosToken, rec.reason)
	assert.Equal(t, uint32(2), rec.tokenCount)
	assert.Equal(t, " the cat", rec.output)
	require.NotNil(t, rec.times)
}

func TestResponseStream_ErrorItemSurfacesAndMarksSink(t *testing.T) {
	ch, s, rec := streamWithParams(Parameters{})
	ch.Send(initialItem(4))
	ch.Send(errResult(&GenerationError{Msg: "boom"}))

	_, err := s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)

	s.Close()
	assert.Equal(t, StopError, rec.reason)
	assert.ErrorAs(t, rec.err, &genErr)
}

func TestResponseStream_CloseIsIdempotent(t *testing.T) {
	ch, s, rec := streamWithParams(Parameters{})
	ch.Send(initialItem(1))
	_, err := s.Recv()
	require.NoError(t, err)

	s.Close()
	first := *rec
	s.Close()

	assert.Equal(t, first, *rec)
}

func TestStreamChannel_SendAfterCloseFails(t *testing.T) {
	ch := newStreamChannel()
	require.True(t, ch.Send(okResult(&InferResponse{})))
	ch.Close()
	assert.False(t, ch.Send(okResult(&InferResponse{})))
}

func TestStreamChannel_RecvDrainsAfterCloseSend(t *testing.T) {
	ch := newStreamChannel()
	ch.Send(okResult(&InferResponse{GenTokenCount: 1}))
	ch.Send(okResult(&InferResponse{GenTokenCount: 2}))
	ch.CloseSend()

	res, ok := ch.Recv()
	require.True(t, ok)
	assert.Equal(t, uint32(1), res.Response.GenTokenCount)
	res, ok = ch.Recv()
	require.True(t, ok)
	assert.Equal(t, uint32(2), res.Response.GenTokenCount)
	_, ok = ch.Recv()
	assert.False(t, ok)
}
