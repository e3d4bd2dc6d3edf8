package media

import "errors"

var (
	// ErrValidation is returned for malformed input such as a missing title.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an asset does not exist.
	ErrNotFound = errors.New("asset not found")

	// ErrAlreadyExists is returned when creating an asset whose id is taken.
	ErrAlreadyExists = errors.New("asset already exists")

	// ErrAccessDenied is returned when the caller does not own the asset.
	ErrAccessDenied = errors.New("access denied")

	// ErrResourceUnavailable is returned when the asset's file cannot be read.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrInvalidRange is returned for a syntactically malformed Range header.
	ErrInvalidRange = errors.New("invalid range header")

	// ErrNotReady is returned when streaming an asset that has not completed processing.
	ErrNotReady = errors.New("asset is still processing")

	// ErrAlreadyQueued is returned when enqueuing an asset that is queued or running.
	ErrAlreadyQueued = errors.New("asset is already queued")

	// ErrAlreadyProcessed is returned when re-processing a completed asset.
	ErrAlreadyProcessed = errors.New("asset is already processed")

	// ErrQueueClosed is returned once the queue has stopped.
	ErrQueueClosed = errors.New("processing queue closed")
)
