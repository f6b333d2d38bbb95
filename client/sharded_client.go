// ShardedClient fans each call out to every shard of a tensor-parallel
// group. The shards run the same forward pass and return identical results,
// so the first shard's answer is used; any shard error fails the call.

package client

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShardedClient is the router-facing façade over all shards of a model
// server.
type ShardedClient struct {
	shards []*Client
}

// NewShardedClient builds a façade over the given shard base URLs.
func NewShardedClient(urls []string, timeout time.Duration) (*ShardedClient, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one shard URL is required")
	}
	shards := make([]*Client, len(urls))
	for i, u := range urls {
		shards[i] = NewClient(u, timeout)
	}
	return &ShardedClient{shards: shards}, nil
}

// Prefill broadcasts the batch to every shard and returns the first shard's
// result.
func (s *ShardedClient) Prefill(ctx context.Context, batch *Batch, toPrune []*CachedBatch) (*GenerateResult, error) {
	return s.broadcast(ctx, func(ctx context.Context, c *Client) (*GenerateResult, error) {
		return c.Prefill(ctx, batch, toPrune)
	})
}

// NextToken broadcasts the step to every shard and returns the first shard's
// result.
func (s *ShardedClient) NextToken(ctx context.Context, batches []*CachedBatch) (*GenerateResult, error) {
	return s.broadcast(ctx, func(ctx context.Context, c *Client) (*GenerateResult, error) {
		return c.NextToken(ctx, batches)
	})
}

// Health succeeds only if every shard is healthy.
func (s *ShardedClient) Health(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range s.shards {
		shard := shard
		g.Go(func() error {
			return shard.Health(ctx)
		})
	}
	return g.Wait()
}

func (s *ShardedClient) broadcast(
	ctx context.Context,
	call func(context.Context, *Client) (*GenerateResult, error),
) (*GenerateResult, error) {
	results := make([]*GenerateResult, len(s.shards))
	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range s.shards {
		i, shard := i, shard
		g.Go(func() error {
			res, err := call(ctx, shard)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results[0], nil
}
