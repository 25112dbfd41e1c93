package storage

import "errors"

// Storage error constants
var (
	// ErrNilBundle is returned when a graph or export write is attempted
	// without a bundle.
	ErrNilBundle = errors.New("bundle is nil")

	// ErrNilThreat is returned when a vector write is attempted without a
	// parsed threat.
	ErrNilThreat = errors.New("parsed threat is nil")
)
