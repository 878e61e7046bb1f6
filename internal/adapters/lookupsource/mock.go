package lookupsource

import (
	"context"
	"fmt"
	"strings"

	"github.com/Amund211/batchfill/internal/domain"
)

type mockFetcher struct{}

// NewMockFetcher returns a deterministic fetcher for local development
//
// Keys starting with "missing" are not found, keys starting with "fail"
// return an error and every other key resolves to "value for <key>".
func NewMockFetcher() Fetcher {
	return mockFetcher{}
}

func (mockFetcher) Fetch(ctx context.Context, key string) (domain.Slot[[]byte], error) {
	switch {
	case strings.HasPrefix(key, "missing"):
		return domain.NotFound[[]byte](), nil
	case strings.HasPrefix(key, "fail"):
		return domain.Unresolved[[]byte](), fmt.Errorf("mock failure for %s", key)
	}
	return domain.Found([]byte("value for " + key)), nil
}
