// Package condition evaluates routine condition trees against the state store.
//
// Conditions form a closed set: And, Or, Not, State, NumericState,
// Template, Trigger and Time. Evaluate never writes to the store. A missing
// entity or unparsable value yields a *ConditionError; callers log it and
// treat the condition as false.
package condition
