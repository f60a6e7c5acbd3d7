package async

import "github.com/teranos/nebular/errors"

// ErrorClass decides whether a failed attempt may be retried
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// IsValid reports whether c is a known class
func (c ErrorClass) IsValid() bool {
	return c == ErrorClassTransient || c == ErrorClassPermanent
}

// ClassifyError maps an attempt failure to its class.
//
// Fetchers mark their errors with ErrTransientFetch or ErrPermanentFetch
// and that mark wins. Unmarked errors are transient: an unknown failure
// gets another attempt, bounded by max_attempts.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errors.ErrPermanentFetch):
		return ErrorClassPermanent
	case errors.Is(err, errors.ErrTransientFetch):
		return ErrorClassTransient
	default:
		// deadlines, network errors and anything unrecognized
		return ErrorClassTransient
	}
}
