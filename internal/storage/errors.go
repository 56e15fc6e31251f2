package storage

import (
	"errors"
	"fmt"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrKeyExists    = errors.New("object already exists at this key")
	ErrInvalidKey   = errors.New("invalid storage key")
	ErrTooLarge     = errors.New("object exceeds maximum size")
	ErrAccessDenied = errors.New("access denied")
)

// StorageError records the operation and key of a failed call.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ToDomain converts a storage failure into a domain error for callers that
// surface it over the API.
func ToDomain(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return domain.Wrap(err, domain.ENOTFOUND, op, "export not found")
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrKeyExists), errors.Is(err, ErrTooLarge):
		return domain.Wrap(err, domain.EINVALID, op, err.Error())
	case errors.Is(err, ErrAccessDenied):
		return domain.Wrap(err, domain.ECONFIG, op, "storage access denied")
	default:
		return domain.Internal(err, op, "storage failure")
	}
}
