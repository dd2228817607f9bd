// Package scheduler runs an automation's actions as a dependency graph
// with per-target mutual exclusion.
//
// Build turns a nested sequence/parallel step tree into a Routine: a DAG
// of ActionEntity nodes. Sequences chain, parallel blocks fan out from the
// same parents and fan back in through every branch leaf, and calls to
// named scripts are expanded in place.
//
// The Scheduler keeps one ready queue per physical target. An action
// becomes eligible when all of its parents are complete (AND-join) and is
// dispatched only while no other action is active on its target. Start and
// complete notifications arrive through HandleEvent, usually bridged from
// rasc_response bus events.
package scheduler
