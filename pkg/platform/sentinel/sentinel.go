package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and clients return these,
// usually wrapped, and services translate them into coded domain errors.
//
//   - ErrNotFound: the record does not exist
//   - ErrConflict: a compare-and-swap lost against a concurrent writer
//   - ErrCorrupt: a stored record failed an integrity or invariant check
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrCorrupt  = errors.New("corrupt record")
)
