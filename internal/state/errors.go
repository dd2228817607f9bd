package state

import "errors"

// Domain-specific errors for state operations.
var (
	// ErrInvalidEntityID is returned for ids not in "domain.object_id" form.
	ErrInvalidEntityID = errors.New("state: invalid entity id")

	// ErrInvalidPayload is returned when a state message cannot be decoded.
	ErrInvalidPayload = errors.New("state: invalid payload")

	// ErrUnknownTopic is returned when a feed message arrives on an
	// unexpected topic.
	ErrUnknownTopic = errors.New("state: unknown topic")
)
