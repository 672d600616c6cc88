package progress

import "errors"

var (
	// ErrNotFound means the referenced parent entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEntity means completion is out of [0,100] or the supplied
	// status contradicts the completion value.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidWeights means the weight map has a negative weight or omits
	// a priority that appears in the tree.
	ErrInvalidWeights = errors.New("invalid weights")
)
