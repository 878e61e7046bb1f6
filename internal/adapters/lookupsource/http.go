package lookupsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Amund211/batchfill/internal/constants"
	"github.com/Amund211/batchfill/internal/domain"
	"github.com/Amund211/batchfill/internal/ratelimiting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const fetchMinOperationTime = 50 * time.Millisecond

// Values larger than this are rejected
const maxValueSize = 1 << 20

type httpFetcherMetricsCollection struct {
	requestCount metric.Int64Counter
}

func setupHTTPFetcherMetrics(meter metric.Meter) (httpFetcherMetricsCollection, error) {
	requestCount, err := meter.Int64Counter("lookupsource/http/request_count")
	if err != nil {
		return httpFetcherMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	return httpFetcherMetricsCollection{
		requestCount: requestCount,
	}, nil
}

type httpFetcher struct {
	httpClient HttpClient
	baseURL    string
	limiter    ratelimiting.RequestLimiter

	metrics httpFetcherMetricsCollection
	tracer  trace.Tracer
}

// NewHTTPFetcher fetches keys from GET {baseURL}/{key}
func NewHTTPFetcher(httpClient HttpClient, baseURL string, limiter ratelimiting.RequestLimiter) (*httpFetcher, error) {
	const name = "batchfill/lookupsource/http"

	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}

	meter := otel.Meter(name)
	tracer := otel.Tracer(name)

	metrics, err := setupHTTPFetcherMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	return &httpFetcher{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		limiter:    limiter,

		metrics: metrics,
		tracer:  tracer,
	}, nil
}

func (f *httpFetcher) urlFor(key string) string {
	return fmt.Sprintf("%s/%s", f.baseURL, url.PathEscape(key))
}

func (f *httpFetcher) Fetch(ctx context.Context, key string) (domain.Slot[[]byte], error) {
	ctx, span := f.tracer.Start(ctx, "HTTPFetcher.Fetch")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.urlFor(key), nil)
	if err != nil {
		return domain.Unresolved[[]byte](), fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", constants.USER_AGENT)

	var statusCode int
	var data []byte
	ran := f.limiter.Limit(ctx, fetchMinOperationTime, func(ctx context.Context) {
		ctx, span := f.tracer.Start(ctx, "HTTPFetcher.httpget")
		defer span.End()

		resp, doErr := f.httpClient.Do(req.WithContext(ctx))
		if doErr != nil {
			err = fmt.Errorf("failed to send request: %w", doErr)
			return
		}
		defer resp.Body.Close()

		statusCode = resp.StatusCode
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxValueSize+1))
		if err != nil {
			err = fmt.Errorf("failed to read response body: %w", err)
			return
		}
	})
	if !ran {
		if ctx.Err() != nil {
			return domain.Unresolved[[]byte](), fmt.Errorf("gave up waiting to fetch %s: %w", key, context.Cause(ctx))
		}
		return domain.Unresolved[[]byte](), fmt.Errorf("%w: too many requests to lookup backend", domain.ErrTemporarilyUnavailable)
	}

	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return domain.Unresolved[[]byte](), fmt.Errorf("%w: %w", domain.ErrTemporarilyUnavailable, err)
		}
		return domain.Unresolved[[]byte](), err
	}

	f.metrics.requestCount.Add(
		ctx,
		1,
		metric.WithAttributes(
			attribute.String("status_code", strconv.Itoa(statusCode)),
		),
	)
	span.SetAttributes(attribute.Int("http.status_code", statusCode))

	return slotFromResponse(statusCode, data)
}

func slotFromResponse(statusCode int, data []byte) (domain.Slot[[]byte], error) {
	switch statusCode {
	case http.StatusOK:
		if len(data) > maxValueSize {
			return domain.Unresolved[[]byte](), fmt.Errorf("value exceeds %d bytes", maxValueSize)
		}
		return domain.Found(data), nil
	case http.StatusNotFound, http.StatusNoContent:
		return domain.NotFound[[]byte](), nil
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return domain.Unresolved[[]byte](), fmt.Errorf("%w: lookup backend returned status code %d", domain.ErrTemporarilyUnavailable, statusCode)
	}
	return domain.Unresolved[[]byte](), fmt.Errorf("lookup backend returned status code %d", statusCode)
}
