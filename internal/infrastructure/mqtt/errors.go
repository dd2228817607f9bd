package mqtt

import "errors"

// Sentinel errors; match with errors.Is.
var (
	// ErrConnectionFailed means Connect gave up before a session came up.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotConnected is returned by operations while the session is down.
	// Paho is still reconnecting in the background.
	ErrNotConnected = errors.New("mqtt: not connected")

	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	ErrInvalidTopic = errors.New("mqtt: empty topic")
	ErrInvalidQoS   = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrBrokerFailed is returned when the embedded broker cannot start.
	ErrBrokerFailed = errors.New("mqtt: embedded broker failed")
)
