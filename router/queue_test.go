package router

import (
	"context"
	"testing"
	"time"
)

func queueForTest(cfg BatchingConfig, bt BatchType, capacity int) (*Queue, chan []*Entry) {
	ch := make(chan []*Entry, capacity)
	q := newQueue(cfg.withDefaults(), bt, ch, &Metrics{})
	return q, ch
}

func queuedEntry(inputLength, maxNewTokens int) *Entry {
	return newUnaryEntry(context.Background(), GenerateRequest{
		Inputs:     "prompt",
		Parameters: Parameters{MaxNewTokens: maxNewTokens},
	}, inputLength)
}

func TestQueue_AssignsMonotonicIDsInFIFOOrder(t *testing.T) {
	// GIVEN two admissions of [a, b] then [c]
	q, ch := queueForTest(BatchingConfig{SizeLimit: 8}, SizeOnlyBatch{}, 4)
	a, b, c := queuedEntry(1, 5), queuedEntry(1, 5), queuedEntry(1, 5)
	ch <- []*Entry{a, b}
	ch <- []*Entry{c}

	// WHEN a batch is formed with nothing in flight
	batch := q.NextBatch(map[uint64]*Entry{})

	// THEN all three are selected in insertion order with increasing ids
	if batch == nil || len(batch.Entries) != 3 {
		t.Fatalf("NextBatch: got %v, want batch of 3", batch)
	}
	want := []*Entry{a, b, c}
	for i, e := range batch.Entries {
		if e != want[i] {
			t.Errorf("batch[%d]: wrong entry", i)
		}
		if e.id != uint64(i+1) {
			t.Errorf("batch[%d]: id got %d, want %d", i, e.id, i+1)
		}
		if e.batchTime.IsZero() {
			t.Errorf("batch[%d]: batch time not set", i)
		}
	}
}

func TestQueue_SizeLimitSelectsPrefix(t *testing.T) {
	// GIVEN three queued entries and a batch size limit of 2
	q, ch := queueForTest(BatchingConfig{SizeLimit: 2}, SizeOnlyBatch{}, 4)
	ch <- []*Entry{queuedEntry(1, 5), queuedEntry(1, 5), queuedEntry(1, 5)}

	// WHEN forming batches
	first := q.NextBatch(map[uint64]*Entry{})
	second := q.TryNextBatch(map[uint64]*Entry{})

	// THEN the limit bounds each batch and order is preserved
	if len(first.Entries) != 2 {
		t.Fatalf("first batch size: got %d, want 2", len(first.Entries))
	}
	if second == nil || len(second.Entries) != 1 {
		t.Fatalf("second batch: got %v, want batch of 1", second)
	}
	if second.Entries[0].id != 3 {
		t.Errorf("second batch head id: got %d, want 3", second.Entries[0].id)
	}
}

func TestQueue_SizeLimitCountsInFlight(t *testing.T) {
	// GIVEN one in-flight entry and a size limit of 2
	q, ch := queueForTest(BatchingConfig{SizeLimit: 2}, SizeOnlyBatch{}, 4)
	ch <- []*Entry{queuedEntry(1, 5), queuedEntry(1, 5)}
	inFlight := map[uint64]*Entry{99: queuedEntry(1, 5)}

	// WHEN trying to extend
	batch := q.TryNextBatch(inFlight)

	// THEN only one more entry fits
	if batch == nil || len(batch.Entries) != 1 {
		t.Fatalf("TryNextBatch: got %v, want batch of 1", batch)
	}
}

func TestQueue_TokenBudgetBoundsSelection(t *testing.T) {
	// GIVEN entries weighing 10 each (5 prompt + 5 generation) and a budget
	// of 25
	q, ch := queueForTest(
		BatchingConfig{SizeLimit: 8},
		TokenBudgetBatch{MaxBatchWeight: 25},
		4,
	)
	ch <- []*Entry{queuedEntry(5, 5), queuedEntry(5, 5), queuedEntry(5, 5)}

	batch := q.NextBatch(map[uint64]*Entry{})

	// THEN only two fit the budget
	if len(batch.Entries) != 2 {
		t.Fatalf("batch size: got %d, want 2", len(batch.Entries))
	}
}

func TestQueue_TryNextBatchEmptyReturnsNil(t *testing.T) {
	q, _ := queueForTest(BatchingConfig{SizeLimit: 2}, SizeOnlyBatch{}, 4)
	if batch := q.TryNextBatch(map[uint64]*Entry{}); batch != nil {
		t.Errorf("TryNextBatch on empty queue: got %v, want nil", batch)
	}
}

func TestQueue_DeadlinePrescreenTerminatesExpired(t *testing.T) {
	// GIVEN an expired entry queued ahead of a live one
	q, ch := queueForTest(BatchingConfig{SizeLimit: 8}, SizeOnlyBatch{}, 4)
	expired := queuedEntry(2, 5)
	past := time.Now().Add(-time.Second)
	expired.request.Parameters.Deadline = &past
	live := queuedEntry(2, 5)
	ch <- []*Entry{expired, live}

	// WHEN forming a batch
	batch := q.NextBatch(map[uint64]*Entry{})

	// THEN the expired entry is excluded and received a TimeLimit terminal
	if len(batch.Entries) != 1 || batch.Entries[0] != live {
		t.Fatalf("batch: got %v, want only the live entry", batch.Entries)
	}
	select {
	case res := <-expired.response:
		if res.Err != nil {
			t.Fatalf("expired entry: got error %v, want TimeLimit response", res.Err)
		}
		if res.Response.Reason != StopTimeLimit {
			t.Errorf("expired reason: got %s, want %s", res.Response.Reason, StopTimeLimit)
		}
		if res.Response.GenTokenCount != 0 {
			t.Errorf("expired token count: got %d, want 0", res.Response.GenTokenCount)
		}
	default:
		t.Fatal("expired entry received no terminal response")
	}
}

func TestQueue_NextEntryWaitingTooLong(t *testing.T) {
	// GIVEN a threshold of 50ms
	cfg := BatchingConfig{SizeLimit: 8, WaitingTooLongThreshold: 50 * time.Millisecond}
	q, ch := queueForTest(cfg, SizeOnlyBatch{}, 4)

	// WHEN the queue is empty
	if q.NextEntryWaitingTooLong() {
		t.Error("empty queue reported waiting too long")
	}

	// WHEN the head entry is fresh
	fresh := queuedEntry(1, 5)
	ch <- []*Entry{fresh}
	if q.NextEntryWaitingTooLong() {
		t.Error("fresh entry reported waiting too long")
	}

	// WHEN the head entry is past the threshold
	fresh.queueTime = time.Now().Add(-time.Second)
	if !q.NextEntryWaitingTooLong() {
		t.Error("stale entry not reported waiting too long")
	}
}

func TestQueue_NextBatchReturnsNilWhenClosedAndDrained(t *testing.T) {
	q, ch := queueForTest(BatchingConfig{SizeLimit: 8}, SizeOnlyBatch{}, 4)
	ch <- []*Entry{queuedEntry(1, 5)}
	close(ch)

	if batch := q.NextBatch(map[uint64]*Entry{}); batch == nil || len(batch.Entries) != 1 {
		t.Fatalf("NextBatch before drain: got %v, want final batch", batch)
	}
	if batch := q.NextBatch(map[uint64]*Entry{}); batch != nil {
		t.Errorf("NextBatch after drain: got %v, want nil", batch)
	}
}
