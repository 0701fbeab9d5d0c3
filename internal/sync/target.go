package sync

import (
	"context"
	"errors"
)

var ErrTargetNotConfigured = errors.New("sync target not configured")

// Target receives a copy of every new secret value for the secrets that list it.
type Target interface {
	Name() string
	Push(ctx context.Context, secretName string, value []byte) error
}

// permanentError marks a push failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
