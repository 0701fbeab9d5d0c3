package repository

import (
	"errors"
)

var (
	ErrSecretConfigNotFound = errors.New("secret config not found")
	ErrJobNotFound          = errors.New("rotation job not found")
	ErrActiveJobExists      = errors.New("an active rotation job already exists for secret")
	ErrJobStateChanged      = errors.New("rotation job status changed concurrently")
	ErrDatabaseUnavailable  = errors.New("database is unavailable")
	ErrDatabaseGeneric      = errors.New("database error occurred while processing request")
)
