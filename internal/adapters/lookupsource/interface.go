package lookupsource

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Amund211/batchfill/internal/config"
	"github.com/Amund211/batchfill/internal/domain"
	"github.com/Amund211/batchfill/internal/fill"
	"github.com/Amund211/batchfill/internal/ratelimiting"
	"github.com/jmoiron/sqlx"
)

// Fetcher resolves a single key
type Fetcher interface {
	Fetch(ctx context.Context, key string) (domain.Slot[[]byte], error)
}

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewLookupSourceOrMock builds the lookup source selected by conf
//
// db is only used by the postgres backend and may be nil otherwise.
func NewLookupSourceOrMock(conf config.Config, httpClient HttpClient, db *sqlx.DB, schema string) (fill.LookupSource[[]byte], error) {
	switch conf.LookupBackend() {
	case config.LookupBackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres lookup backend requires a database")
		}
		return NewPostgres(db, schema), nil
	case config.LookupBackendHTTP:
		limiter := ratelimiting.NewPacedRequestLimiter(
			conf.LookupRatePerSecond(),
			conf.LookupConcurrency(),
			time.Now,
			time.After,
		)
		fetcher, err := NewHTTPFetcher(httpClient, conf.LookupURL(), limiter)
		if err != nil {
			return nil, fmt.Errorf("failed to create http fetcher: %w", err)
		}
		return NewPerKey(fetcher, conf.LookupConcurrency()), nil
	case config.LookupBackendMock:
		if !conf.IsDevelopment() {
			return nil, fmt.Errorf("mock lookup backend is only available in development")
		}
		return NewPerKey(NewMockFetcher(), conf.LookupConcurrency()), nil
	}

	return nil, fmt.Errorf("unknown lookup backend: %s", conf.LookupBackend())
}
