package quant

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks construction-time configuration failures.
	ErrConfiguration = errors.New("configuration error")
	// ErrShape marks tensors whose shapes cannot be combined.
	ErrShape = errors.New("shape error")
	// ErrUnresolvedBitWidth is reported when a descriptor reaches a use site
	// without a bit width.
	ErrUnresolvedBitWidth = errors.New("bit width unresolved")
)

type configError struct {
	err error
}

func (e configError) Error() string { return e.err.Error() }

func (e configError) Unwrap() []error { return []error{ErrConfiguration, e.err} }

// ConfigErrorf formats a configuration error that matches ErrConfiguration.
// %w verbs in format are preserved for errors.Is.
func ConfigErrorf(format string, args ...any) error {
	return configError{err: fmt.Errorf(format, args...)}
}

type shapeError struct {
	err error
}

func (e shapeError) Error() string { return e.err.Error() }

func (e shapeError) Unwrap() []error { return []error{ErrShape, e.err} }

// ShapeErrorf formats a shape error that matches ErrShape.
func ShapeErrorf(format string, args ...any) error {
	return shapeError{err: fmt.Errorf(format, args...)}
}
