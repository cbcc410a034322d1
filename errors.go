package flashsale

import "errors"

// ErrTransient marks failures of the shared stores (unreachable, script
// failure, timeout). Callers decide whether to retry; business rejections are
// never wrapped with it.
var ErrTransient = errors.New("flashsale: transient failure")

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() []error { return []error{e.err, ErrTransient} }

// Transient wraps err so that errors.Is(err, ErrTransient) holds while the
// original cause stays reachable. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err carries the transient marker.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
