package models

import "errors"

// Error taxonomy shared by the fitting core and its collaborators
var (
	// ErrDimensionMismatch reports an operand whose shape does not match its expected geometry
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidObjective reports a NaN or infinite score or gradient; it is always fatal
	ErrInvalidObjective = errors.New("invalid objective")

	// ErrUnsupportedFormat reports an unrecognized input file
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrOutOfDeviceMemory reports an allocation beyond the device budget
	ErrOutOfDeviceMemory = errors.New("out of device memory")

	// ErrBufferReleased reports access to a buffer after Release
	ErrBufferReleased = errors.New("buffer already released")
)
