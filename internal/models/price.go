package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status tags what is known about a single grid interval.
type Status uint8

const (
	// StatusUnknown means no row exists: the interval was never fetched.
	StatusUnknown Status = iota
	// StatusUnavailable marks a sentinel row: fetched, provider has no price.
	StatusUnavailable
	// StatusPriced carries a published price.
	StatusPriced
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusUnavailable:
		return "unavailable"
	case StatusPriced:
		return "priced"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// PricePoint is one grid interval of a series. Start is UTC and grid aligned.
// Price is meaningful only when Status is StatusPriced.
type PricePoint struct {
	Start  time.Time
	Status Status
	Price  decimal.Decimal
}

func Priced(start time.Time, price decimal.Decimal) PricePoint {
	return PricePoint{Start: start.UTC(), Status: StatusPriced, Price: price}
}

func Unavailable(start time.Time) PricePoint {
	return PricePoint{Start: start.UTC(), Status: StatusUnavailable}
}

func Unknown(start time.Time) PricePoint {
	return PricePoint{Start: start.UTC(), Status: StatusUnknown}
}

func (p PricePoint) IsPriced() bool { return p.Status == StatusPriced }

// Known reports whether a row exists for the interval (priced or sentinel).
func (p PricePoint) Known() bool { return p.Status != StatusUnknown }

func (p PricePoint) String() string {
	if p.Status == StatusPriced {
		return fmt.Sprintf("%s=%s", p.Start.Format(time.RFC3339), p.Price.String())
	}
	return fmt.Sprintf("%s=%s", p.Start.Format(time.RFC3339), p.Status)
}

// Series describes the fixed metadata of the cached time series.
type Series struct {
	Area        string
	Resolution  time.Duration
	Currency    string
	Unit        string
	VATIncluded bool
}

// Key identifies the series in storage, e.g. "10YFI-1--------U/PT60M".
func (s Series) Key() string {
	return fmt.Sprintf("%s/PT%dM", s.Area, int(s.Resolution/time.Minute))
}
