// Package template renders the dynamic values found in routine definitions.
//
// A template string mixes literal text with {{ expression }} segments.
// Expressions are compiled once with github.com/expr-lang/expr and
// evaluated against the run's variables plus a small set of state helpers:
//
//	states('light.kitchen')             -> "on"
//	is_state('light.kitchen', 'on')     -> true
//	state_attr('light.kitchen', 'brightness')
//	float(states('sensor.temp')) > 20
//
// A template made of exactly one expression segment renders to the raw
// expression result (number, bool, map); anything else renders to a string.
package template
