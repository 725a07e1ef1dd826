package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/timegrid"
)

// sentinelValue marks an unavailable interval in the price hash.
const sentinelValue = "u"

const hmgetBatch = 1000

// RedisPriceRepo keeps the series in a hash (field = unix start, value =
// price or sentinel) plus a sorted set of starts used for coverage.
type RedisPriceRepo struct {
	rdb  *redis.Client
	grid *timegrid.Grid
	key  string
	idx  string
}

// NewRedisClient builds a client and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisPriceRepo(rdb *redis.Client, series models.Series, grid *timegrid.Grid) *RedisPriceRepo {
	return &RedisPriceRepo{
		rdb:  rdb,
		grid: grid,
		key:  pricesKey(series.Key()),
		idx:  indexKey(series.Key()),
	}
}

func pricesKey(series string) string { return fmt.Sprintf("prices:{%s}", series) }
func indexKey(series string) string  { return fmt.Sprintf("prices:{%s}:starts", series) }

func field(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

func (r *RedisPriceRepo) FindMissing(ctx context.Context, start, end time.Time) ([]timegrid.Range, error) {
	intervals := r.grid.Intervals(start, end)
	stored, err := r.lookup(ctx, intervals)
	if err != nil {
		return nil, err
	}
	return missing(r.grid, start, end, func(t time.Time) bool {
		_, ok := stored[t.Unix()]
		return ok
	}), nil
}

// Upsert runs inside MULTI/EXEC so the batch lands atomically. Writes are
// unconditional, so there is nothing to WATCH and concurrent upserts of the
// same starts simply apply in EXEC order.
func (r *RedisPriceRepo) Upsert(ctx context.Context, points []models.PricePoint) error {
	batch, err := prepare(r.grid, points)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	values := make([]any, 0, len(batch)*2)
	members := make([]redis.Z, 0, len(batch))
	for _, p := range batch {
		v := sentinelValue
		if p.IsPriced() {
			v = p.Price.String()
		}
		values = append(values, field(p.Start), v)
		members = append(members, redis.Z{Score: float64(p.Start.Unix()), Member: field(p.Start)})
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, values...)
		pipe.ZAdd(ctx, r.idx, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert %d prices: %w", len(batch), err)
	}
	return nil
}

func (r *RedisPriceRepo) ReadRange(ctx context.Context, start, end time.Time) ([]models.PricePoint, error) {
	s, e := r.grid.Floor(start), r.grid.Ceil(end)
	stored, err := r.lookup(ctx, r.grid.Intervals(s, e))
	if err != nil {
		return nil, err
	}
	return fill(r.grid, s, e, stored), nil
}

func (r *RedisPriceRepo) Coverage(ctx context.Context) (timegrid.Range, error) {
	first, err := r.rdb.ZRangeWithScores(ctx, r.idx, 0, 0).Result()
	if err != nil {
		return timegrid.Range{}, fmt.Errorf("redis coverage: %w", err)
	}
	if len(first) == 0 {
		return timegrid.Range{}, ErrEmpty
	}
	last, err := r.rdb.ZRangeWithScores(ctx, r.idx, -1, -1).Result()
	if err != nil {
		return timegrid.Range{}, fmt.Errorf("redis coverage: %w", err)
	}
	if len(last) == 0 {
		return timegrid.Range{}, ErrEmpty
	}
	return timegrid.Range{
		Start: time.Unix(int64(first[0].Score), 0).UTC(),
		End:   time.Unix(int64(last[0].Score), 0).UTC().Add(r.grid.Resolution()),
	}, nil
}

// CachedDays pages through the start index by score and tallies each page,
// so only one page and the per-day counts are held in memory.
func (r *RedisPriceRepo) CachedDays(ctx context.Context) ([]DayCount, error) {
	days := dayTally{}
	from := "-inf"
	for {
		members, err := r.rdb.ZRangeByScore(ctx, r.idx, &redis.ZRangeBy{
			Min:   from,
			Max:   "+inf",
			Count: hmgetBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis cached days: %w", err)
		}
		if len(members) == 0 {
			break
		}

		starts := make([]time.Time, 0, len(members))
		for _, m := range members {
			unix, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse index member %q: %w", m, err)
			}
			starts = append(starts, time.Unix(unix, 0).UTC())
		}
		stored, err := r.lookup(ctx, starts)
		if err != nil {
			return nil, err
		}
		for _, t := range starts {
			if p, ok := stored[t.Unix()]; ok {
				days.add(r.grid, p)
			}
		}

		if len(members) < hmgetBatch {
			break
		}
		from = "(" + members[len(members)-1]
	}
	return days.sorted(), nil
}

func (r *RedisPriceRepo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// lookup fetches the stored rows for the given starts with pipelined HMGETs.
func (r *RedisPriceRepo) lookup(ctx context.Context, starts []time.Time) (map[int64]models.PricePoint, error) {
	out := make(map[int64]models.PricePoint, len(starts))
	if len(starts) == 0 {
		return out, nil
	}

	pipe := r.rdb.Pipeline()
	var cmds []*redis.SliceCmd
	for i := 0; i < len(starts); i += hmgetBatch {
		end := min(i+hmgetBatch, len(starts))
		fields := make([]string, 0, end-i)
		for _, t := range starts[i:end] {
			fields = append(fields, field(t))
		}
		cmds = append(cmds, pipe.HMGet(ctx, r.key, fields...))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis lookup: %w", err)
	}

	for n, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("redis hmget: %w", err)
		}
		for j, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			t := starts[n*hmgetBatch+j]
			p, err := decodeValue(t, s)
			if err != nil {
				return nil, err
			}
			out[t.Unix()] = p
		}
	}
	return out, nil
}

func decodeValue(t time.Time, v string) (models.PricePoint, error) {
	if v == sentinelValue {
		return models.Unavailable(t), nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("parse stored price %q at %s: %w", v, t.UTC().Format(time.RFC3339), err)
	}
	return models.Priced(t, d), nil
}
