package router

import "time"

// BatchingConfig groups the admission-queue and batch-growth parameters.
type BatchingConfig struct {
	QueueSize int // bounded ingress capacity (pending admission calls)
	SizeLimit int // max requests in a combined batch
	// MaxBatchWeight is the token budget consulted by the token-budget batch
	// type (0 disables the budget).
	MaxBatchWeight int
	// MaxWaitingTokens is the number of decode steps after which a non-empty
	// queue forces batch growth regardless of completions.
	MaxWaitingTokens int
	// WaitingTooLongThreshold marks the queue's head entry as at risk of
	// violating its latency objective.
	WaitingTooLongThreshold time.Duration
}

func (c *BatchingConfig) withDefaults() BatchingConfig {
	out := *c
	if out.QueueSize <= 0 {
		out.QueueSize = 128
	}
	if out.SizeLimit <= 0 {
		out.SizeLimit = 32
	}
	if out.MaxWaitingTokens <= 0 {
		out.MaxWaitingTokens = 20
	}
	if out.WaitingTooLongThreshold <= 0 {
		out.WaitingTooLongThreshold = 250 * time.Millisecond
	}
	return out
}
