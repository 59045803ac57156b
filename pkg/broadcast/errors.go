package broadcast

import "errors"

var (
	// ErrBusClosed is returned by Publish and Subscribe after Close.
	ErrBusClosed = errors.New("broadcast: bus is closed")

	// ErrEmptyKey is returned when a stream key is blank.
	ErrEmptyKey = errors.New("broadcast: key is required")
)
