package trigger

import "errors"

// Domain-specific errors for trigger operations.
var (
	// ErrUnknownPlatform is returned for an unsupported platform.
	ErrUnknownPlatform = errors.New("trigger: unknown platform")

	// ErrInvalidSpec is returned for a structurally invalid spec.
	ErrInvalidSpec = errors.New("trigger: invalid spec")

	// ErrNoMQTT is returned when an mqtt trigger is attached without a client.
	ErrNoMQTT = errors.New("trigger: mqtt platform not available")
)
