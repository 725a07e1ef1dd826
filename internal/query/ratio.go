package query

import (
	"github.com/shopspring/decimal"

	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/timegrid"
)

// Ratio compares one priced interval with the mean of its local day.
// Defined is false when the daily average is exactly zero; Value is then
// meaningless. A negative average still divides normally, so the sign of
// Value carries information.
type Ratio struct {
	Point        models.PricePoint
	Date         string
	DailyAverage decimal.Decimal
	Value        decimal.Decimal
	Defined      bool
}

// Ratios groups points by local calendar day of the grid's zone and divides
// each priced interval by its day's mean. Unpriced intervals count toward
// neither the sum nor the count, and a day without any price yields nothing.
func Ratios(grid *timegrid.Grid, points []models.PricePoint) []Ratio {
	type acc struct {
		sum   decimal.Decimal
		count int64
	}
	days := make(map[string]*acc)
	for _, p := range points {
		if !p.IsPriced() {
			continue
		}
		d := grid.LocalDate(p.Start)
		a, ok := days[d]
		if !ok {
			a = &acc{}
			days[d] = a
		}
		a.sum = a.sum.Add(p.Price)
		a.count++
	}

	out := make([]Ratio, 0, len(points))
	for _, p := range points {
		if !p.IsPriced() {
			continue
		}
		d := grid.LocalDate(p.Start)
		a := days[d]
		avg := a.sum.Div(decimal.NewFromInt(a.count))

		r := Ratio{Point: p, Date: d, DailyAverage: avg}
		if !avg.IsZero() {
			r.Value = p.Price.Div(avg)
			r.Defined = true
		}
		out = append(out, r)
	}
	return out
}
