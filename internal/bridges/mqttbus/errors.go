package mqttbus

import "errors"

// Domain errors for the MQTT bus bridge.
var (
	// ErrInvalidTopic is returned when a progress report arrives on a topic
	// outside graylogic/rasc/{domain}/{object_id}.
	ErrInvalidTopic = errors.New("mqttbus: invalid topic")

	// ErrInvalidReport is returned when a progress report cannot be decoded
	// or lacks its type or action id.
	ErrInvalidReport = errors.New("mqttbus: invalid progress report")
)
