package supervisor

import "errors"

// errFatal marks a programmer bug — a job observed in an impossible state.
// The MDS state stays consistent even when this fires, so crashing and
// letting a restart rebuild in-memory state is safer than trying to recover
// in place.
var errFatal = errors.New("supervisor: fatal assertion")
