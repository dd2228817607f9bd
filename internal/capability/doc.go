// Package capability routes "invoke operation X on target Y" calls from
// running scripts to whatever can carry them out.
//
// A Router dispatches by service domain. The engine registers itself for
// the script and automation domains; everything else falls through to the
// MQTTInvoker, which publishes one command per target on
// graylogic/command/{domain}/{object_id} and optionally waits for the
// bridge's acknowledgement on graylogic/ack/{domain}/{object_id}.
package capability
