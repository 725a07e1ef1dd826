package external

import (
	"errors"
	"fmt"

	"github.com/kasperiio/api/internal/timegrid"
)

var (
	// ErrProviderUnreachable covers transport faults, 5xx/429 responses and
	// unreadable payloads. The caller may retry the same request.
	ErrProviderUnreachable = errors.New("provider unreachable")
	// ErrProviderRejected is a well-formed refusal (bad key, bad request).
	// Retrying the same request cannot succeed.
	ErrProviderRejected = errors.New("provider rejected request")
)

// ProviderError carries the failed range and HTTP status for diagnostics.
// errors.Is matches it against its Kind.
type ProviderError struct {
	Kind   error
	Range  timegrid.Range
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%v for %s", e.Kind, e.Range)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Is(target error) bool { return target == e.Kind }

func (e *ProviderError) Unwrap() error { return e.Err }

func unreachable(r timegrid.Range, status int, err error) error {
	return &ProviderError{Kind: ErrProviderUnreachable, Range: r, Status: status, Err: err}
}

func rejected(r timegrid.Range, status int, err error) error {
	return &ProviderError{Kind: ErrProviderRejected, Range: r, Status: status, Err: err}
}

// IsRetryable reports whether err is worth retrying against the provider.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnreachable)
}
