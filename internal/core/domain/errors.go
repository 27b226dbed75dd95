package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTemporary      = errors.New("temporary failure")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("already exists")
	ErrAmbiguous      = errors.New("ambiguous state")
	ErrStorage        = errors.New("index storage failure")
	ErrRecordNotFound = errors.New("processed record not found")
	ErrConfig         = errors.New("invalid configuration")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsFatal reports whether err must abort the whole run instead of a single file.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorage)
}
