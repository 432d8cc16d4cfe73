package mds

import "errors"

// Class is the error taxonomy every Gateway call classifies its failures
// into, per the core's error handling design: Conflict and Transient are
// expected races the caller retries or drops on; Validation marks a
// malformed record that is skipped, never propagated; Fatal marks a
// programmer bug that should crash the supervisor so a restart can recover
// from MDS state that is still consistent.
type Class int

const (
	ClassTransient Class = iota
	ClassConflict
	ClassNotFound
	ClassValidation
	ClassFatal
)

var (
	ErrConflict   = errors.New("mds: conflict")
	ErrNotFound   = errors.New("mds: not found")
	ErrTransient  = errors.New("mds: transient")
	ErrValidation = errors.New("mds: validation")
	ErrFatal      = errors.New("mds: fatal")
)

// Classify maps an error returned by the Gateway to its taxonomy class.
// Errors that don't match a known sentinel are treated as Transient: the
// tick loop is the retry mechanism, so an unrecognized failure from the
// store should not wedge a job any worse than a known-transient one.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	default:
		return ClassTransient
	}
}
