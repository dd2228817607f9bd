// Package state holds the live entity state store the engine reads from.
//
// The store is an in-memory cache keyed by entity id ("light.kitchen"),
// written by the MQTT state feed and read by conditions, templates and
// triggers. Readers always receive deep copies. Change notifications are
// delivered synchronously to subscribers after the write lock is released;
// the trigger subsystem is the only production subscriber.
package state
