// Package errors wraps github.com/pkg/errors so callers get stack-carrying
// wrapped errors that still work with the standard errors.Is / errors.As.
package errors

import (
	pkgerrors "github.com/pkg/errors"
)

func New(msg string) error {
	return pkgerrors.New(msg)
}

// Wrap annotates err with msg. It returns nil when err is nil.
func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

// Wrapf annotates err with a formatted message. It returns nil when err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}
