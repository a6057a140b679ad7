package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrConversionUnavailable  = errors.New("conversion unavailable")
	ErrRecognitionService     = errors.New("recognition service error")
	ErrPatternStoreCorruption = errors.New("pattern store corruption")
	ErrCorruptRecord          = errors.New("corrupt record")
	ErrDuplicatePattern       = errors.New("duplicate pattern")
	ErrPatternNotFound        = errors.New("pattern not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrTemporary              = errors.New("temporary failure")
)

// ErrorKind is the serialized form of an error class carried on results.
type ErrorKind string

const (
	ErrorKindNone                  ErrorKind = ""
	ErrorKindInvalidInput          ErrorKind = "invalid_input"
	ErrorKindConversionUnavailable ErrorKind = "conversion_unavailable"
	ErrorKindRecognitionService    ErrorKind = "recognition_service_error"
	ErrorKindPatternStoreCorrupt   ErrorKind = "pattern_store_corruption"
	ErrorKindCancelled             ErrorKind = "cancelled"
	ErrorKindInternal              ErrorKind = "internal"
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

// ErrorKindOf maps an error chain to the kind stored on pages and results.
func ErrorKindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrInvalidInput):
		return ErrorKindInvalidInput
	case errors.Is(err, ErrConversionUnavailable):
		return ErrorKindConversionUnavailable
	case errors.Is(err, ErrPatternStoreCorruption):
		return ErrorKindPatternStoreCorrupt
	case errors.Is(err, ErrRecognitionService), errors.Is(err, ErrTemporary), errors.Is(err, ErrUnauthorized):
		return ErrorKindRecognitionService
	default:
		return ErrorKindInternal
	}
}
