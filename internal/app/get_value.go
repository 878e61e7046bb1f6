package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Amund211/batchfill/internal/domain"
	"github.com/Amund211/batchfill/internal/fill"
)

const maxKeyLength = 256

type GetValue func(ctx context.Context, key string) ([]byte, error)

// BuildGetValue serves keys from coordinator, waiting for at most budget fills per request
//
// A positive timeout bounds the total wait. Running out of time is reported as domain.ErrTimedOut.
func BuildGetValue(coordinator *fill.Coordinator[[]byte], budget int, timeout time.Duration) GetValue {
	return func(ctx context.Context, key string) ([]byte, error) {
		keyLength := len(key)
		if keyLength == 0 || keyLength > maxKeyLength {
			// Client error, not reported
			return nil, fmt.Errorf("%w: key length %d not in [1, %d]", domain.ErrInvalidKey, keyLength, maxKeyLength)
		}

		awaitCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			awaitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		value, err := fill.Await(awaitCtx, coordinator, key, budget)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no value after %s", domain.ErrTimedOut, timeout)
		}
		if err != nil {
			// NOTE: The coordinator handles reporting of lookup failures
			return nil, fmt.Errorf("could not get value for key: %w", err)
		}

		return value, nil
	}
}
