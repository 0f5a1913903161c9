package hashchain

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned when a proof is requested for a missing index.
var ErrOutOfBounds = errors.New("hashchain: index out of bounds")

// ErrAlgorithmMismatch is returned by Import for exports produced with a
// different hash algorithm.
var ErrAlgorithmMismatch = errors.New("hashchain: algorithm mismatch")

// CorruptionError reports the first node at which the chain stops verifying.
type CorruptionError struct {
	BrokenAt int
	Reason   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("hashchain: chain corrupted at index %d: %s", e.BrokenAt, e.Reason)
}
