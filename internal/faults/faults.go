// Package faults defines the error taxonomy shared across the collection
// pipeline. Callers classify failures as transient (retryable) or permanent
// (retrying cannot help); the retry policy and the commit coordinator key
// their decisions off that classification.
package faults

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Class partitions errors by how the pipeline should react to them.
type Class int

const (
	// ClassUnknown is reported for errors that carry no classification.
	// The retry policy treats unknown errors as transient.
	ClassUnknown Class = iota
	// ClassTransient marks errors worth retrying: throttling, timeouts,
	// connection resets, 5xx responses.
	ClassTransient
	// ClassPermanent marks errors retrying cannot fix: malformed requests,
	// authorization denials, validation failures.
	ClassPermanent
)

type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }
func (c *classified) Fault() Class  { return c.class }

// Transient wraps err as a transient fault. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// Transientf creates a new transient fault with a stack trace.
func Transientf(format string, args ...interface{}) error {
	return &classified{err: errors.Errorf(format, args...), class: ClassTransient}
}

// Permanent wraps err as a permanent fault. Returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Permanentf creates a new permanent fault with a stack trace.
func Permanentf(format string, args ...interface{}) error {
	return &classified{err: errors.Errorf(format, args...), class: ClassPermanent}
}

// Wrap annotates err with a message, preserving its classification.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &classified{err: errors.Wrap(err, msg), class: Classify(err)}
}

// Classify walks the error chain and returns the first classification found.
func Classify(err error) Class {
	for err != nil {
		if c, ok := err.(interface{ Fault() Class }); ok {
			return c.Fault()
		}
		err = stderrors.Unwrap(err)
	}
	return ClassUnknown
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool { return Classify(err) == ClassPermanent }

// IsTransient reports whether err is classified transient. Unclassified
// errors are not transient; the retry policy decides their fate.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }
