package lookupsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Amund211/batchfill/internal/domain"
	"github.com/Amund211/batchfill/internal/logging"
	"golang.org/x/sync/errgroup"
)

// PerKey turns a single key Fetcher into a batch lookup source
//
// Keys are fetched concurrently, at most concurrency at a time. A key that
// fails is left out of the result. The batch only fails if every key failed
// or ctx ended.
type PerKey struct {
	fetcher     Fetcher
	concurrency int
}

func NewPerKey(fetcher Fetcher, concurrency int) *PerKey {
	return &PerKey{
		fetcher:     fetcher,
		concurrency: max(concurrency, 1),
	}
}

func (p *PerKey) Lookup(ctx context.Context, keys []string) (map[string]domain.Slot[[]byte], error) {
	logger := logging.FromContext(ctx)

	var mu sync.Mutex
	results := make(map[string]domain.Slot[[]byte], len(keys))
	var firstErr error
	failures := 0

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			slot, err := p.fetcher.Fetch(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				if firstErr == nil {
					firstErr = err
				}
				logger.WarnContext(ctx, "Failed to fetch key", slog.String("key", key), slog.String("error", err.Error()))
				return nil
			}
			results[key] = slot
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("lookup interrupted after %d of %d keys: %w", len(results), len(keys), context.Cause(ctx))
	}

	if len(keys) > 0 && failures == len(keys) {
		return nil, fmt.Errorf("all %d keys failed: %w", len(keys), firstErr)
	}

	return results, nil
}
