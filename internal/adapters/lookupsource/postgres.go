package lookupsource

import (
	"context"
	"fmt"

	"github.com/Amund211/batchfill/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Postgres struct {
	db     *sqlx.DB
	schema string

	tracer trace.Tracer
}

func NewPostgres(db *sqlx.DB, schema string) *Postgres {
	tracer := otel.Tracer("batchfill/lookupsource/postgres")

	return &Postgres{
		db:     db,
		schema: schema,

		tracer: tracer,
	}
}

type dbFillValue struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// Lookup resolves the whole batch in one query. Keys without a row are not found.
func (p *Postgres) Lookup(ctx context.Context, keys []string) (map[string]domain.Slot[[]byte], error) {
	ctx, span := p.tracer.Start(ctx, "Postgres.Lookup")
	defer span.End()
	span.SetAttributes(attribute.Int("keys", len(keys)))

	var rows []dbFillValue
	err := p.db.SelectContext(
		ctx,
		&rows,
		fmt.Sprintf("SELECT key, value FROM %s.fill_values WHERE key = ANY($1)", pq.QuoteIdentifier(p.schema)),
		pq.Array(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fill values: %w", err)
	}

	results := make(map[string]domain.Slot[[]byte], len(keys))
	for _, key := range keys {
		results[key] = domain.NotFound[[]byte]()
	}
	for _, row := range rows {
		results[row.Key] = domain.Found(row.Value)
	}

	return results, nil
}

// StoreValue inserts or replaces the value for key
func (p *Postgres) StoreValue(ctx context.Context, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "Postgres.StoreValue")
	defer span.End()

	_, err := p.db.ExecContext(
		ctx,
		fmt.Sprintf(`INSERT INTO %s.fill_values
		(key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`, pq.QuoteIdentifier(p.schema)),
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("failed to store fill value: %w", err)
	}

	return nil
}
