// Package trigger attaches trigger specifications to the live system and
// calls back when one of them fires.
//
// Platforms: state, numeric_state, template, event, timer and mqtt. All
// specs passed to one Attach call are OR'd. Callbacks always run on their
// own goroutine, never inline with the state write or bus event that
// caused them. The returned Detach releases every subscription and timer
// and is safe to call any number of times.
package trigger
