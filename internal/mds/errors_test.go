package mds

import (
	"errors"
	"fmt"
	"testing"
)

// Fatal outranks every other class even when an error could plausibly match
// more than one sentinel, since a caller must never retry a programmer bug.
func TestClassify_Priority(t *testing.T) {
	wrapped := fmt.Errorf("wrapping: %w and %w", ErrConflict, ErrFatal)
	if Classify(wrapped) != ClassFatal {
		t.Fatalf("expected an error wrapping both ErrConflict and ErrFatal to classify as Fatal")
	}
}

func TestClassify_EachSentinel(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{ErrFatal, ClassFatal},
		{ErrValidation, ClassValidation},
		{ErrConflict, ClassConflict},
		{ErrNotFound, ClassNotFound},
		{errors.New("boom"), ClassTransient},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

// Classify must see through fmt.Errorf's %w wrapping, since every Gateway
// method wraps its sentinel with call-specific context.
func TestClassify_SeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("job %s: %w", "job-1", ErrConflict)
	if Classify(err) != ClassConflict {
		t.Fatalf("expected wrapped ErrConflict to classify as Conflict")
	}
}

func TestClassify_UnrecognizedIsTransient(t *testing.T) {
	if Classify(errors.New("connection reset")) != ClassTransient {
		t.Fatalf("expected an unrecognized error to default to Transient")
	}
}
