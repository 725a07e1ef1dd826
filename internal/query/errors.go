package query

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDataAvailable means the requested instant has no price: the row is
	// a sentinel or absent. Callers present it as an empty result.
	ErrNoDataAvailable = errors.New("no data available")
	// ErrInsufficientData means a window query found fewer usable intervals
	// than it needs.
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidWindow    = errors.New("window length must be positive")
)

type InsufficientDataError struct {
	Want int
	// Usable is the priced interval count, or the longest run of
	// consecutive priced intervals for a contiguous window.
	Usable int
	Mode   Mode
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v: %s window of %d intervals, %d usable", ErrInsufficientData, e.Mode, e.Want, e.Usable)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }
