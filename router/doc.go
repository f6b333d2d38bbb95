// Package router implements the continuous batching core of the generation
// service: it accepts independent requests, aggregates them into batches that
// are executed on the model-serving backend one decoding step at a time,
// interleaves newly arrived requests into an in-flight batch, evaluates
// per-request stopping criteria after every step, and delivers results as
// unary responses or token-by-token streams.
//
// # Reading Guide
//
// Start with these three files to understand the scheduling core:
//   - entry.go: Entry lifecycle (queued → in flight → terminated) and reply channels
//   - queue.go: bounded FIFO admission and prefix batch formation
//   - batcher.go: the batching task, batch growth, and failure handling
//
// # Ownership
//
// The batching task is the sole owner of the in-flight map and of every
// Entry in it; all entry mutation happens on that goroutine. Request
// goroutines interact only through the admission channel and their own reply
// channel, so no locks guard the hot path. The task suspends in exactly two
// places: waiting for the queue and waiting for a backend call.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - GenerationClient: the prefill/next-token façade over the sharded backend
//   - BatchType: backend batch shape constraints consulted during admission
//   - Decoder: token-id to text conversion, wrapped by IncrementalDecoder
package router
