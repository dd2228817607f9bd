// Package script runs automation scripts.
//
// A Script owns a decoded step tree and supervises its runs according to
// its Mode:
//
//	single    a second start is rejected while a run is active
//	restart   active runs are stopped (and awaited) before the new one starts
//	queued    runs wait for a per-script lock and execute one at a time
//	parallel  runs execute concurrently up to Max
//
// A rejected start is not an error; it is logged at the script's
// MaxExceeded severity and Start returns a nil *Run.
//
// Each Run executes on its own goroutine. Steps form a closed union
// (see Step) and are dispatched by a type switch; every step reports a
// StepOutcome:
//
//	Continue      go on with the next step
//	StopSequence  end the enclosing sequence only (condition false, stop)
//	Fail          abort the whole run
//
// Run.Stop cancels the run's context and blocks until the run goroutine
// has finished its cleanup; no step executes after Stop returns.
//
// Lifecycle events (script_run_started, script_step_started,
// script_step_finished, script_run_finished, script_run_error) are fired
// on the event bus carrying the run's trust context.
package script
