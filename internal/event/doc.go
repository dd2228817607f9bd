// Package event provides the in-process event bus and the trust context
// attached to every run, event and capability call.
//
// The bus carries user events (fire_event steps, event triggers), the script
// lifecycle stream consumed by the API event stream and the run recorder, and the
// rasc_response notifications consumed by the dependency scheduler.
package event
