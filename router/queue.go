// Implements the admission queue: a bounded FIFO of pending entries with a
// batch-formation policy. The queue is owned by the batching task; all
// methods are called from that goroutine only.

package router

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Batch is a contiguous FIFO prefix of the queue selected for prefill.
type Batch struct {
	ID      uint64
	Entries []*Entry
}

// Queue holds entries between admission and batching. Entry ids are assigned
// here, monotonically in FIFO order, so that an id comparison identifies the
// newest batch when a growth prefill fails.
type Queue struct {
	receiver  <-chan []*Entry
	buf       []*Entry
	closed    bool
	batchType BatchType
	cfg       BatchingConfig
	metrics   *Metrics

	nextID      uint64
	nextBatchID uint64
}

func newQueue(cfg BatchingConfig, batchType BatchType, receiver <-chan []*Entry, metrics *Metrics) *Queue {
	return &Queue{
		receiver:    receiver,
		batchType:   batchType,
		cfg:         cfg,
		metrics:     metrics,
		nextID:      1,
		nextBatchID: 1,
	}
}

// NextBatch blocks until a legal batch can be formed given the in-flight
// entries, returning nil only once ingress is closed and the queue drained.
func (q *Queue) NextBatch(inFlight map[uint64]*Entry) *Batch {
	for {
		if b := q.tryFormBatch(inFlight); b != nil {
			return b
		}
		if q.closed {
			return nil
		}
		entries, ok := <-q.receiver
		if !ok {
			q.closed = true
			continue
		}
		q.admit(entries)
	}
}

// TryNextBatch is the non-blocking variant used to extend an in-flight
// batch.
func (q *Queue) TryNextBatch(inFlight map[uint64]*Entry) *Batch {
	return q.tryFormBatch(inFlight)
}

// NextEntryWaitingTooLong reports whether the queue's head entry has waited
// past the configured threshold.
func (q *Queue) NextEntryWaitingTooLong() bool {
	q.drain()
	q.prescreenDeadlines()
	return len(q.buf) > 0 && time.Since(q.buf[0].queueTime) > q.cfg.WaitingTooLongThreshold
}

// admit assigns ids and appends entries in arrival order.
func (q *Queue) admit(entries []*Entry) {
	for _, e := range entries {
		e.id = q.nextID
		q.nextID++
	}
	q.buf = append(q.buf, entries...)
}

// drain moves everything currently buffered in the ingress channel into the
// FIFO without blocking.
func (q *Queue) drain() {
	for {
		select {
		case entries, ok := <-q.receiver:
			if !ok {
				q.closed = true
				return
			}
			q.admit(entries)
		default:
			return
		}
	}
}

// prescreenDeadlines terminates queued entries whose deadline has already
// passed, before they are counted against any batch.
func (q *Queue) prescreenDeadlines() {
	kept := q.buf[:0]
	for _, e := range q.buf {
		d := e.request.Parameters.Deadline
		if d != nil && time.Now().After(*d) {
			logrus.Warnf("Expiring queued request %d before batching, deadline exceeded after %s in queue",
				e.id, time.Since(e.queueTime))
			e.sendFinal(okResult(earlyTimeout(e)))
			q.metrics.TimedOutInQueue.Add(1)
			continue
		}
		kept = append(kept, e)
	}
	q.buf = kept
}

// tryFormBatch selects the longest FIFO prefix that fits the size limit and
// the batch type policy. Selection never reorders; ties break strictly on
// insertion order.
func (q *Queue) tryFormBatch(inFlight map[uint64]*Entry) *Batch {
	q.drain()
	q.prescreenDeadlines()
	if len(q.buf) == 0 {
		return nil
	}

	n := 0
	for n < len(q.buf) {
		if len(inFlight)+n+1 > q.cfg.SizeLimit {
			break
		}
		if !q.batchType.CanFit(q.buf[:n+1], inFlight) {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}

	selected := make([]*Entry, n)
	copy(selected, q.buf[:n])
	q.buf = append(q.buf[:0], q.buf[n:]...)

	now := time.Now()
	for _, e := range selected {
		e.batchTime = now
	}

	b := &Batch{ID: q.nextBatchID, Entries: selected}
	q.nextBatchID++
	return b
}
