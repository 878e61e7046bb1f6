package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Amund211/batchfill/internal/app"
	"github.com/Amund211/batchfill/internal/domain"
	"github.com/Amund211/batchfill/internal/logging"
	"github.com/Amund211/batchfill/internal/ratelimiting"
	"github.com/Amund211/batchfill/internal/reporting"
)

type response struct {
	Success bool   `json:"success"`
	Key     string `json:"key,omitempty"`
	Value   []byte `json:"value,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

func MakeGetValueHandler(
	getValue app.GetValue,
	retryAfter time.Duration,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) (http.HandlerFunc, func()) {
	ipLimiter, stop := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(8),
		ratelimiting.BurstSize(480),
	)
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc)

	return makeGetValueHandler(getValue, retryAfter, allowedOrigins, ipRateLimiter, rootLogger, sentryMiddleware), stop
}

func makeGetValueHandler(
	getValue app.GetValue,
	retryAfter time.Duration,
	allowedOrigins *DomainSuffixes,
	ipRateLimiter ratelimiting.RequestRateLimiter,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	retryAfterSeconds := strconv.Itoa(max(int(retryAfter.Round(time.Second).Seconds()), 1))

	onLimitExceeded := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"success":false,"cause":"rate limit exceeded"}`))
	}

	middleware := ComposeMiddlewares(
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		reporting.NewAddMetaMiddleware("getvalue"),
		buildMetricsMiddleware(),
		BuildCORSMiddleware(allowedOrigins),
		NewRateLimitMiddleware(ipRateLimiter, onLimitExceeded),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.PathValue("key")

		handleError := func(ctx context.Context, cause string, statusCode int) {
			response, err := makeErrorResponse(ctx, key, cause)
			if err != nil {
				reporting.Report(ctx, fmt.Errorf("failed to marshal error response: %w", err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"success":false,"cause":"internal server error"}`))
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statusCode)
			w.Write(response)
		}

		value, err := getValue(ctx, key)
		switch {
		case errors.Is(err, domain.ErrInvalidKey):
			key = "<invalid>"
			handleError(ctx, "invalid key length", http.StatusBadRequest)
			return
		case errors.Is(err, domain.ErrNotFound):
			handleError(ctx, "not found", http.StatusNotFound)
			return
		case errors.Is(err, domain.ErrTimedOut):
			w.Header().Set("Retry-After", retryAfterSeconds)
			handleError(ctx, "timed out waiting for value", http.StatusServiceUnavailable)
			return
		case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			// The client is gone
			logging.FromContext(ctx).InfoContext(ctx, "Request cancelled while waiting for value")
			return
		case err != nil:
			reporting.Report(ctx, fmt.Errorf("failed to get value: %w", err))
			handleError(ctx, "internal server error", http.StatusInternalServerError)
			return
		}

		response, err := makeSuccessResponse(ctx, key, value)
		if err != nil {
			reporting.Report(ctx, fmt.Errorf("failed to create success response: %w", err))
			handleError(ctx, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(response)
	}

	return middleware(handler)
}

func makeResponse(ctx context.Context, key string, success bool, value []byte, cause string) ([]byte, error) {
	resp := response{
		Success: success,
		Key:     key,
		Value:   value,
		Cause:   cause,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

func makeSuccessResponse(ctx context.Context, key string, value []byte) ([]byte, error) {
	return makeResponse(ctx, key, true, value, "")
}

func makeErrorResponse(ctx context.Context, key string, cause string) ([]byte, error) {
	return makeResponse(ctx, key, false, nil, cause)
}
