package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	ErrorInvalidName      = "invalid_name"
	ErrorOutsideRoot      = "outside_root"
	ErrorNotFound         = "not_found"
	ErrorPermissionDenied = "permission_denied"
	ErrorEmpty            = "empty"
	ErrorIO               = "io_error"
)

// Error is a categorized media store failure.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError returns the stable category for err.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, fs.ErrNotExist) {
		return ErrorNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrorPermissionDenied
	}

	return ErrorIO
}

// normalizeIOError hides host paths from messages returned to HTTP callers.
func normalizeIOError(err error, detail string) error {
	if err == nil {
		return nil
	}

	category := CategoryFromError(err)
	switch category {
	case ErrorNotFound:
		return NewError(category, "file does not exist")
	case ErrorPermissionDenied:
		return NewError(category, "operation not permitted")
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return NewError(category, fmt.Sprintf("%s: %s", detail, pathErr.Err))
	}

	return NewError(category, fmt.Sprintf("%s: %v", detail, err))
}
