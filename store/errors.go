package store

import "errors"

var (
	// ErrRunFinished indicates the run already has a terminal status.
	ErrRunFinished = errors.New("run already finished")

	// ErrInvalidStatus indicates a run cannot be completed with the given status.
	ErrInvalidStatus = errors.New("invalid terminal run status")
)
