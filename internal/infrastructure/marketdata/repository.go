package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "marketprices/internal/domain/entity/marketdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository archives every quote the service writes so that history older
// than the per-item files can be inspected.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const createQuotesTable = `
	CREATE TABLE IF NOT EXISTS price_quotes (
		order_id         TEXT        NOT NULL,
		region_id        BIGINT      NOT NULL,
		item_id          BIGINT      NOT NULL,
		side             TEXT        NOT NULL,
		source           TEXT        NOT NULL,
		quoted_at        TIMESTAMPTZ NOT NULL,
		min_price        BIGINT      NOT NULL,
		avg_price        BIGINT      NOT NULL,
		max_price        BIGINT      NOT NULL,
		order_count      BIGINT      NOT NULL,
		remaining_volume BIGINT      NOT NULL,
		total_volume     BIGINT      NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS price_quotes_order_id
		ON price_quotes (order_id);
	CREATE INDEX IF NOT EXISTS price_quotes_pair_time
		ON price_quotes (region_id, item_id, quoted_at)`

// EnsureSchema creates the archive table when it does not exist yet.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, createQuotesTable); err != nil {
		return fmt.Errorf("create price_quotes: %w", err)
	}
	return nil
}

var quoteColumns = []string{
	"order_id",
	"region_id",
	"item_id",
	"side",
	"source",
	"quoted_at",
	"min_price",
	"avg_price",
	"max_price",
	"order_count",
	"remaining_volume",
	"total_volume",
}

var (
	createQuoteStage = `
	CREATE TEMP TABLE price_quotes_stage (LIKE price_quotes INCLUDING DEFAULTS)
	ON COMMIT DROP`
	mergeQuoteStage = fmt.Sprintf(`
	INSERT INTO price_quotes (%[1]s)
	SELECT %[1]s FROM price_quotes_stage
	ON CONFLICT (order_id) DO NOTHING`, strings.Join(quoteColumns, ", "))
)

// AddQuotes bulk-loads quotes with CopyFrom into a transaction-scoped stage
// table and merges them into the archive. Order ids already archived, or
// repeated within quotes, are skipped instead of failing the batch.
func (r *Repository) AddQuotes(ctx context.Context, quotes []domain.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	rows, err := quoteRows(quotes)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, createQuoteStage); err != nil {
		return fmt.Errorf("create quote stage: %w", err)
	}
	if _, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"price_quotes_stage"},
		quoteColumns,
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy quotes: %w", err)
	}
	if _, err := tx.Exec(ctx, mergeQuoteStage); err != nil {
		return fmt.Errorf("merge quotes: %w", err)
	}
	return tx.Commit(ctx)
}

const upsertQuote = `
	INSERT INTO price_quotes (
		order_id, region_id, item_id, side, source, quoted_at,
		min_price, avg_price, max_price,
		order_count, remaining_volume, total_volume
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (order_id) DO NOTHING`

// UpsertQuotes inserts quotes whose order id is not archived yet and reports
// how many were new. It sends one statement per quote and suits replays.
func (r *Repository) UpsertQuotes(ctx context.Context, quotes []domain.Quote) (int64, error) {
	rows, err := quoteRows(quotes)
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(upsertQuote, row...)
	}
	return execBatch(ctx, r.pool, batch)
}

func execBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	results := pool.SendBatch(ctx, batch)
	var inserted int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
	return inserted, results.Close()
}

func (r *Repository) GetQuotesBetween(ctx context.Context, region domain.RegionID, item domain.ItemID, from, to time.Time) ([]domain.Quote, error) {
	if from.After(to) {
		from, to = to, from
	}
	const query = `
		SELECT order_id, region_id, item_id, side, source, quoted_at,
		       min_price, avg_price, max_price,
		       order_count, remaining_volume, total_volume
		FROM price_quotes
		WHERE region_id=$1 AND item_id=$2 AND quoted_at >= $3 AND quoted_at <= $4
		ORDER BY quoted_at DESC`
	rows, err := r.pool.Query(ctx, query, int64(region), int64(item), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotes []domain.Quote
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

// quoteRows validates quotes and lays them out in quoteColumns order.
func quoteRows(quotes []domain.Quote) ([][]any, error) {
	rows := make([][]any, 0, len(quotes))
	for i := range quotes {
		q := &quotes[i]
		if err := q.Validate(); err != nil {
			return nil, err
		}
		if !q.Source.IsValid() {
			return nil, errors.New("quote source is not set")
		}
		if q.OrderID == "" {
			q.OrderID = uuid.NewString()
		}
		rows = append(rows, []any{
			q.OrderID,
			int64(q.Region),
			int64(q.Item),
			string(q.Side),
			string(q.Source),
			q.Timestamp.UTC(),
			q.MinPrice,
			q.AvgPrice,
			q.MaxPrice,
			q.OrderCount,
			q.RemainingVolume,
			q.TotalVolume,
		})
	}
	return rows, nil
}

func scanQuote(row pgx.Row) (domain.Quote, error) {
	var (
		region int64
		item   int64
		side   string
		source string
	)
	quote := domain.Quote{}
	err := row.Scan(
		&quote.OrderID,
		&region,
		&item,
		&side,
		&source,
		&quote.Timestamp,
		&quote.MinPrice,
		&quote.AvgPrice,
		&quote.MaxPrice,
		&quote.OrderCount,
		&quote.RemainingVolume,
		&quote.TotalVolume,
	)
	if err != nil {
		return domain.Quote{}, err
	}
	quote.Region = domain.RegionID(region)
	quote.Item = domain.ItemID(item)
	quote.Side = domain.Side(side)
	quote.Source = domain.Source(source)
	quote.Timestamp = quote.Timestamp.UTC()
	return quote, nil
}
