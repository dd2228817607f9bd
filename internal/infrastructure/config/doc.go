// Package config reads the daemon's settings.
//
// Values are layered: built-in defaults, then the YAML file, then
// GRAYLOGIC_* environment variables. Validate runs last and reports every
// problem in one error that matches ErrInvalid.
//
// Keep secrets (MQTT password, InfluxDB token, JWT secret) out of the file:
//
//	GRAYLOGIC_API_JWT_SECRET=... automationd serve -c /etc/graylogic/automation.yaml
//
// Durations are stored as integers in the unit their field names; the
// accessor methods (ShutdownMaxWait, AckTimeout, ...) convert them.
package config
