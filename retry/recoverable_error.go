package retry

import "errors"

// RecoverableError is implemented by errors that know whether another
// attempt could succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err explicitly opts in to being retried.
func IsRecoverable(err error) bool {
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return false
}

// IsNonRecoverable reports whether err explicitly opts out of being retried.
func IsNonRecoverable(err error) bool {
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return !recoverable.IsRecoverable()
	}
	return false
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string {
	return e.err.Error()
}

func (e *recoverableError) IsRecoverable() bool {
	return true
}

func (e *recoverableError) Unwrap() error {
	return e.err
}

// NewRecoverableError marks err as safe to retry.
func NewRecoverableError(err error) error {
	return &recoverableError{err: err}
}

// NonRecoverableError represents an error that should not be retried
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string {
	return e.err.Error()
}

func (e *NonRecoverableError) IsRecoverable() bool {
	return false
}

func (e *NonRecoverableError) Unwrap() error {
	return e.err
}

// NewNonRecoverableError marks err as permanent: remaining attempts are skipped.
func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
