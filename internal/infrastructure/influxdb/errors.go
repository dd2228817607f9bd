package influxdb

import "errors"

// Sentinel errors. Check with errors.Is.
var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrUnhealthy        = errors.New("influxdb: server not healthy")

	// ErrWriteFailed wraps errors passed to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")
)
