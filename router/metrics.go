// Tracks router-wide counters for final reporting and health dashboards.

package router

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Metrics aggregates request accounting across the router. Counters are
// atomics because admissions happen on request goroutines while completions
// happen on the batching task.
type Metrics struct {
	Enqueued        atomic.Uint64 // entries accepted into the queue
	QueueFull       atomic.Uint64 // admissions refused
	TimedOutInQueue atomic.Uint64 // entries expired before batching
	Completed       atomic.Uint64 // terminal responses delivered
	Cancelled       atomic.Uint64 // entries dropped on client cancellation
	BackendErrors   atomic.Uint64 // failed prefill/next-token calls
	BatchesStarted  atomic.Uint64 // initial prefills
	BatchesGrown    atomic.Uint64 // growth prefills
}

// Log emits the counters at info level.
func (m *Metrics) Log() {
	logrus.Infof("Router totals: enqueued=%d completed=%d cancelled=%d queue_full=%d queue_timeouts=%d backend_errors=%d batches=%d grown=%d",
		m.Enqueued.Load(), m.Completed.Load(), m.Cancelled.Load(),
		m.QueueFull.Load(), m.TimedOutInQueue.Load(), m.BackendErrors.Load(),
		m.BatchesStarted.Load(), m.BatchesGrown.Load())
}
