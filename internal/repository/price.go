package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/timegrid"
)

// upsertBatchSize keeps each INSERT well under the 65535 bind parameter limit.
const upsertBatchSize = 1000

// PriceRepo stores the series in the electricity_prices table. A NULL price
// is the sentinel row.
type PriceRepo struct {
	pool   *pgxpool.Pool
	series string
	grid   *timegrid.Grid
	logger *slog.Logger
}

func NewPriceRepo(pool *pgxpool.Pool, series models.Series, grid *timegrid.Grid, logger *slog.Logger) *PriceRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceRepo{
		pool:   pool,
		series: series.Key(),
		grid:   grid,
		logger: logger.With("component", "price_repo"),
	}
}

func (r *PriceRepo) FindMissing(ctx context.Context, start, end time.Time) ([]timegrid.Range, error) {
	s, e := r.grid.Floor(start), r.grid.Ceil(end)
	rows, err := r.pool.Query(ctx,
		`SELECT interval_start FROM electricity_prices
		 WHERE series = $1 AND interval_start >= $2 AND interval_start < $3`,
		r.series, s, e,
	)
	if err != nil {
		return nil, fmt.Errorf("query known intervals: %w", err)
	}
	defer rows.Close()

	known := make(map[int64]struct{})
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}
		known[t.Unix()] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intervals: %w", err)
	}

	return missing(r.grid, s, e, func(t time.Time) bool {
		_, ok := known[t.Unix()]
		return ok
	}), nil
}

// Upsert writes the whole batch in one transaction. Contention with another
// writer surfaces as ErrWriteConflict.
func (r *PriceRepo) Upsert(ctx context.Context, points []models.PricePoint) error {
	batch, err := prepare(r.grid, points)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.logger.Warn("rollback failed", "error", err)
		}
	}()

	for i := 0; i < len(batch); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(batch))
		if err := r.upsertBatch(ctx, tx, batch[i:end]); err != nil {
			return classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (r *PriceRepo) upsertBatch(ctx context.Context, tx pgx.Tx, points []models.PricePoint) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO electricity_prices (series, interval_start, price, updated_at) VALUES `)

	args := make([]any, 0, len(points)*3)
	for i, p := range points {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 3
		fmt.Fprintf(&sb, "($%d, $%d, $%d::numeric, NOW())", base+1, base+2, base+3)

		var price any
		if p.IsPriced() {
			price = p.Price.String()
		}
		args = append(args, r.series, p.Start, price)
	}

	sb.WriteString(`
		ON CONFLICT (series, interval_start) DO UPDATE SET
			price = EXCLUDED.price,
			updated_at = EXCLUDED.updated_at`)

	if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d prices: %w", len(points), err)
	}
	return nil
}

func (r *PriceRepo) ReadRange(ctx context.Context, start, end time.Time) ([]models.PricePoint, error) {
	s, e := r.grid.Floor(start), r.grid.Ceil(end)
	rows, err := r.pool.Query(ctx,
		`SELECT interval_start, price::text FROM electricity_prices
		 WHERE series = $1 AND interval_start >= $2 AND interval_start < $3
		 ORDER BY interval_start ASC`,
		r.series, s, e,
	)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	stored, err := collectPrices(rows)
	if err != nil {
		return nil, err
	}
	return fill(r.grid, s, e, stored), nil
}

func (r *PriceRepo) Coverage(ctx context.Context) (timegrid.Range, error) {
	var first, last *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MIN(interval_start), MAX(interval_start) FROM electricity_prices WHERE series = $1`,
		r.series,
	).Scan(&first, &last)
	if err != nil {
		return timegrid.Range{}, fmt.Errorf("query coverage: %w", err)
	}
	if first == nil || last == nil {
		return timegrid.Range{}, ErrEmpty
	}
	return timegrid.Range{Start: first.UTC(), End: last.UTC().Add(r.grid.Resolution())}, nil
}

// CachedDays groups rows by local day in the database, so the result size
// depends on the number of days only.
func (r *PriceRepo) CachedDays(ctx context.Context) ([]DayCount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT to_char(interval_start AT TIME ZONE $2, 'YYYY-MM-DD') AS day,
		        count(price), count(*) - count(price)
		 FROM electricity_prices
		 WHERE series = $1
		 GROUP BY day
		 ORDER BY day`,
		r.series, r.grid.Location().String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query cached days: %w", err)
	}
	defer rows.Close()

	days := []DayCount{}
	for rows.Next() {
		var (
			d                   DayCount
			priced, unavailable int64
		)
		if err := rows.Scan(&d.Date, &priced, &unavailable); err != nil {
			return nil, fmt.Errorf("scan cached day: %w", err)
		}
		d.Priced, d.Unavailable = int(priced), int(unavailable)
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached days: %w", err)
	}
	return days, nil
}

func (r *PriceRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// --- scan helpers ---

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectPrices(rows rowsIter) (map[int64]models.PricePoint, error) {
	out := make(map[int64]models.PricePoint)
	for rows.Next() {
		var (
			start time.Time
			price *string
		)
		if err := rows.Scan(&start, &price); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		p, err := rowToPoint(start, price)
		if err != nil {
			return nil, err
		}
		out[p.Start.Unix()] = p
	}
	return out, rows.Err()
}

func rowToPoint(start time.Time, price *string) (models.PricePoint, error) {
	if price == nil {
		return models.Unavailable(start), nil
	}
	d, err := decimal.NewFromString(*price)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("parse stored price %q at %s: %w", *price, start.UTC().Format(time.RFC3339), err)
	}
	return models.Priced(start, d), nil
}

// classify maps serialization failures and deadlocks to ErrWriteConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", ErrWriteConflict, err)
		}
	}
	return err
}
