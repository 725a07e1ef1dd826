package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/query"
)

type priceJSON struct {
	Timestamp string   `json:"timestamp"`
	Price     *float64 `json:"price"`
	Ratio     *float64 `json:"price_daily_average_ratio"`
}

type dayJSON struct {
	Date        string `json:"date"`
	Priced      int    `json:"priced"`
	Unavailable int    `json:"unavailable"`
}

// render turns points into the response shape. Unknown intervals are left
// out; unavailable ones keep their timestamp with a null price.
func (s *Server) render(points []models.PricePoint, ratios []query.Ratio) []priceJSON {
	byStart := make(map[int64]query.Ratio, len(ratios))
	for _, r := range ratios {
		byStart[r.Point.Start.Unix()] = r
	}

	out := make([]priceJSON, 0, len(points))
	for _, p := range points {
		if !p.Known() {
			continue
		}
		j := priceJSON{Timestamp: s.grid.Local(p.Start).Format(time.RFC3339)}
		if p.IsPriced() {
			price := p.Price.InexactFloat64()
			j.Price = &price
			if r, ok := byStart[p.Start.Unix()]; ok && r.Defined {
				ratio := r.Value.Round(4).InexactFloat64()
				j.Ratio = &ratio
			}
		}
		out = append(out, j)
	}
	return out
}

// parseBound reads a YYYY-MM-DD local date or an RFC3339 instant.
func (s *Server) parseBound(name, v string) (t time.Time, isDate bool, err error) {
	if v == "" {
		return time.Time{}, false, fmt.Errorf("%s is required", name)
	}
	if validateDate(v) {
		t, err = s.grid.ParseDate(v)
		return t, true, err
	}
	t, err = time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s must be YYYY-MM-DD or RFC3339", name)
	}
	return t, false, nil
}

// priceRange resolves the price_at bounds to a UTC grid range. A date as
// end_date includes that whole day; equal bounds mean the start's local day.
func (s *Server) priceRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	start, _, err := s.parseBound("start_date", q.Get("start_date"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, endIsDate, err := s.parseBound("end_date", q.Get("end_date"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if start.Equal(end) {
		from, to := s.grid.DayBounds(start, start)
		return from, to, nil
	}

	from := s.grid.Floor(start)
	to := s.grid.Ceil(end)
	if endIsDate {
		_, to = s.grid.DayBounds(end, end)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("end_date must be after start_date")
	}

	dayStart, dayEnd := s.grid.ExpandToDays(from, to)
	if days := int(math.Round(dayEnd.Sub(dayStart).Hours() / 24)); days > s.maxDays {
		return time.Time{}, time.Time{}, fmt.Errorf("date range cannot exceed %d days", s.maxDays)
	}
	return from, to, nil
}

func (s *Server) handlePriceAt(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.priceRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	// Whole days, so the daily averages behind the ratios are complete.
	dayStart, dayEnd := s.grid.ExpandToDays(from, to)
	if err := s.ensure(ctx, dayStart, dayEnd); err != nil {
		if !clientGone(r, err) {
			s.fail(w, r, err)
		}
		return
	}

	points, err := s.query.Range(ctx, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ratios, err := s.query.DailyRatios(ctx, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.render(points, ratios))
}

func (s *Server) handleCurrentPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now()
	dayStart, dayEnd := s.grid.Today(now)
	if err := s.ensure(ctx, dayStart, dayEnd); err != nil {
		if !clientGone(r, err) {
			s.fail(w, r, err)
		}
		return
	}

	p, err := s.query.CurrentPrice(ctx, now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ratios, err := s.query.DailyRatios(ctx, p.Start, p.Start.Add(s.grid.Resolution()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.render([]models.PricePoint{p}, ratios)[0])
}

func (s *Server) handleCheapestHours(w http.ResponseWriter, r *http.Request) {
	amount, err := parseAmount(r, 6)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	consecutive, err := parseBool(r, "consecutive")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	day := s.now()
	if date := r.URL.Query().Get("date"); date != "" {
		if !validateDate(date) {
			writeError(w, http.StatusBadRequest, "invalid date format, expected YYYY-MM-DD")
			return
		}
		if day, err = s.grid.ParseDate(date); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	dayStart, dayEnd := s.grid.DayBounds(day, day)
	if err := s.ensure(ctx, dayStart, dayEnd); err != nil {
		if !clientGone(r, err) {
			s.fail(w, r, err)
		}
		return
	}

	mode := query.NonContiguous
	if consecutive {
		mode = query.Contiguous
	}
	k := amount * int(time.Hour/s.grid.Resolution())
	chosen, err := s.query.Cheapest(ctx, dayStart, dayEnd, k, mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ratios, err := s.query.DailyRatios(ctx, dayStart, dayEnd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.render(chosen, ratios))
}

// handleCachedDays lists the local days the cache knows about. It never
// triggers a sync.
func (s *Server) handleCachedDays(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CachedDays(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	days := make([]dayJSON, 0, len(counts))
	for _, c := range counts {
		days = append(days, dayJSON{Date: c.Date, Priced: c.Priced, Unavailable: c.Unavailable})
	}
	writeJSON(w, http.StatusOK, days)
}
