package params

import "github.com/pkg/errors"

var (
	// ErrShapeMismatch marks any tensor, batch or config whose shape breaks
	// the uniform-split invariants. Never retried.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrMissingMask is returned when a transformer block is called without
	// an explicit causal mask.
	ErrMissingMask = errors.New("missing causal mask")

	// ErrAccumulationCountMismatch is returned when a caller-supplied
	// accumulation count differs from the number of train calls since the
	// last update.
	ErrAccumulationCountMismatch = errors.New("accumulation count mismatch")

	ErrNothingAccumulated = errors.New("update called with no accumulated gradients")
	ErrUninitialized      = errors.New("training state is not initialized")
	ErrTokenOutOfRange    = errors.New("token id out of vocabulary range")
)
