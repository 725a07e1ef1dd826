package syncer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kasperiio/api/internal/timegrid"
)

// ErrNotPublished means the sync itself succeeded but some intervals lie
// in the future and the provider has not published them yet. They stay
// unknown so a later sync fetches them again.
var ErrNotPublished = errors.New("prices not published yet")

type NotPublishedError struct {
	Pending []timegrid.Range
}

func (e *NotPublishedError) Error() string {
	parts := make([]string, len(e.Pending))
	for i, r := range e.Pending {
		parts[i] = r.String()
	}
	return fmt.Sprintf("%v: %s", ErrNotPublished, strings.Join(parts, ", "))
}

func (e *NotPublishedError) Is(target error) bool { return target == ErrNotPublished }

// ChunkError records which chunk failed after its retry budget was spent.
type ChunkError struct {
	Range timegrid.Range
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s: %v", e.Range, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }
