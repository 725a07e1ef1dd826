package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/timegrid"
)

const (
	DefaultEntsoeURL = "https://web-api.tp.entsoe.eu/api"
	FinlandArea      = "10YFI-1--------U"

	// dayAheadPrices is the A44 document type.
	dayAheadPrices = "A44"
	periodLayout   = "200601021504"
	maxBodyBytes   = 32 << 20
)

var (
	mwhToCentsPerKWh = decimal.NewFromInt(10)
	hundred          = decimal.NewFromInt(100)
)

type EntsoeConfig struct {
	BaseURL    string
	APIKey     string
	Area       string
	Grid       *timegrid.Grid
	VATPercent decimal.Decimal
	ApplyVAT   bool
	Timeout    time.Duration
}

// EntsoeClient fetches day-ahead prices from the ENTSO-E transparency
// platform. It performs exactly one HTTP request per Fetch; rate limiting and
// retries belong to the caller.
type EntsoeClient struct {
	httpClient *http.Client
	cfg        EntsoeConfig
	logger     *slog.Logger
}

func NewEntsoeClient(cfg EntsoeConfig, logger *slog.Logger) *EntsoeClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultEntsoeURL
	}
	if cfg.Area == "" {
		cfg.Area = FinlandArea
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EntsoeClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger.With("component", "entsoe"),
	}
}

func (c *EntsoeClient) Name() string { return "ENTSO-E" }

// Fetch returns the priced grid intervals inside [start, end). Intervals the
// provider did not publish are simply absent from the result.
func (c *EntsoeClient) Fetch(ctx context.Context, start, end time.Time) ([]models.PricePoint, error) {
	r := timegrid.Range{Start: start.UTC(), End: end.UTC()}
	if r.Empty() {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(r), nil)
	if err != nil {
		return nil, rejected(r, 0, fmt.Errorf("build request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unreachable(r, 0, err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxBodyBytes)

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		b, _ := io.ReadAll(io.LimitReader(body, 512))
		return nil, unreachable(r, resp.StatusCode, fmt.Errorf("%s", b))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, rejected(r, resp.StatusCode, errors.New("invalid ENTSO-E API key"))
	}

	doc, err := parseDocument(body)
	if err != nil {
		if resp.StatusCode >= 400 {
			return nil, rejected(r, resp.StatusCode, err)
		}
		return nil, unreachable(r, resp.StatusCode, fmt.Errorf("parse response: %w", err))
	}

	c.logger.Debug("provider response",
		"status", resp.StatusCode, "schema", doc.schema.Kind, "version", doc.schema.Version(), "range", r.String())

	if doc.acknowledgement() {
		if doc.noData() {
			c.logger.Info("no data published for range", "range", r.String(), "reason", doc.ackText)
			return nil, nil
		}
		return nil, rejected(r, resp.StatusCode, fmt.Errorf("acknowledgement %s: %s", doc.ackCode, doc.ackText))
	}
	if resp.StatusCode >= 400 {
		return nil, rejected(r, resp.StatusCode, fmt.Errorf("unexpected %s with error status", doc.schema.Kind))
	}

	return c.toGrid(doc.points, r), nil
}

func (c *EntsoeClient) requestURL(r timegrid.Range) string {
	q := url.Values{}
	q.Set("documentType", dayAheadPrices)
	q.Set("in_Domain", c.cfg.Area)
	q.Set("out_Domain", c.cfg.Area)
	q.Set("periodStart", r.Start.Format(periodLayout))
	q.Set("periodEnd", r.End.Format(periodLayout))
	q.Set("securityToken", c.cfg.APIKey)
	return c.cfg.BaseURL + "?" + q.Encode()
}

// toGrid resamples provider values onto the grid and converts units. Values
// finer than the grid are averaged into their bucket, and only when every
// sub-slot of the bucket is present. Coarser values are repeated across
// every grid interval they cover. When series of different resolutions
// overlap, each bucket takes its value from a single resolution: the grid's
// own if present, otherwise the finest complete one.
func (c *EntsoeClient) toGrid(points []rawPoint, r timegrid.Range) []models.PricePoint {
	grid := c.cfg.Grid
	res := grid.Resolution()

	type slot struct {
		start time.Time
		step  time.Duration
	}
	// Later time series override earlier ones for the same raw slot.
	latest := make(map[slot]decimal.Decimal, len(points))
	for _, p := range points {
		latest[slot{start: p.start, step: p.step}] = p.price
	}

	type bucket struct {
		sum   decimal.Decimal
		count int64
	}
	byStep := make(map[time.Duration]map[time.Time]*bucket)
	for s, price := range latest {
		buckets, ok := byStep[s.step]
		if !ok {
			buckets = make(map[time.Time]*bucket)
			byStep[s.step] = buckets
		}
		for _, t := range c.covered(s.start, s.step) {
			if !r.Contains(t) {
				continue
			}
			b, ok := buckets[t]
			if !ok {
				b = &bucket{}
				buckets[t] = b
			}
			b.sum = b.sum.Add(price)
			b.count++
		}
	}

	steps := make([]time.Duration, 0, len(byStep))
	for step := range byStep {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		if (steps[i] == res) != (steps[j] == res) {
			return steps[i] == res
		}
		return steps[i] < steps[j]
	})

	chosen := make(map[time.Time]decimal.Decimal)
	for _, step := range steps {
		want := int64(1)
		if step < res {
			want = int64(res / step)
		}
		for t, b := range byStep[step] {
			if _, taken := chosen[t]; taken || b.count != want {
				continue
			}
			chosen[t] = b.sum.Div(decimal.NewFromInt(b.count))
		}
	}

	out := make([]models.PricePoint, 0, len(chosen))
	for t, v := range chosen {
		out = append(out, models.Priced(t, c.convert(v)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// covered lists the grid intervals a raw value of the given step feeds.
func (c *EntsoeClient) covered(start time.Time, step time.Duration) []time.Time {
	grid := c.cfg.Grid
	if step <= grid.Resolution() {
		return []time.Time{grid.Floor(start)}
	}
	var out []time.Time
	for t := grid.Floor(start); t.Before(start.Add(step)); t = t.Add(grid.Resolution()) {
		out = append(out, t)
	}
	return out
}

// convert turns EUR/MWh into c/kWh, optionally with VAT, rounded to cents.
func (c *EntsoeClient) convert(eurPerMWh decimal.Decimal) decimal.Decimal {
	v := eurPerMWh.Div(mwhToCentsPerKWh)
	if c.cfg.ApplyVAT {
		v = v.Mul(decimal.NewFromInt(1).Add(c.cfg.VATPercent.Div(hundred)))
	}
	return v.Round(2)
}
