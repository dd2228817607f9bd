package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/script"
)

// ActionState is the lifecycle of one graph node.
type ActionState int32

const (
	ActionPending ActionState = iota
	ActionQueued
	ActionStarted
	ActionComplete
	ActionFailed
	// ActionHalted ran and ended its sequence, like a false condition.
	ActionHalted
	// ActionSkipped never ran because an earlier action of its sequence
	// halted.
	ActionSkipped
)

func (s ActionState) String() string {
	switch s {
	case ActionPending:
		return "pending"
	case ActionQueued:
		return "queued"
	case ActionStarted:
		return "started"
	case ActionComplete:
		return "complete"
	case ActionFailed:
		return "failed"
	case ActionHalted:
		return "halted"
	case ActionSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// VirtualTargetPrefix keys actions that do not address a device. Each
// routine gets its own virtual target.
const VirtualTargetPrefix = "routine:"

// ActionEntity is one leaf step placed in a routine's graph.
type ActionEntity struct {
	ID     string
	Step   script.Step
	Target string

	routine  *Routine
	scope    *scope
	parents  []*ActionEntity
	children []*ActionEntity
	state    atomic.Int32
	// admitted is set for root actions holding a queue slot.
	admitted bool
}

// Routine returns the routine the action belongs to.
func (a *ActionEntity) Routine() *Routine { return a.routine }

// State returns the action state.
func (a *ActionEntity) State() ActionState { return ActionState(a.state.Load()) }

func (a *ActionEntity) setState(s ActionState) { a.state.Store(int32(s)) }

// Virtual reports whether the action is keyed by its routine rather than
// a device.
func (a *ActionEntity) Virtual() bool { return strings.HasPrefix(a.Target, VirtualTargetPrefix) }

// Parents returns the ids of the actions this one waits for.
func (a *ActionEntity) Parents() []string { return ids(a.parents) }

// Children returns the ids of the actions waiting for this one.
func (a *ActionEntity) Children() []string { return ids(a.children) }

func ids(as []*ActionEntity) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.ID
	}
	return out
}

// settled reports whether the action no longer holds up its children.
func (a *ActionEntity) settled() bool {
	switch a.State() {
	case ActionComplete, ActionHalted, ActionSkipped:
		return true
	}
	return false
}

// eligible is the AND-join: every parent must be settled.
func (a *ActionEntity) eligible() bool {
	for _, p := range a.parents {
		if !p.settled() {
			return false
		}
	}
	return true
}

// scope is one sequence of the action tree. Every parallel branch,
// nested sequence and inlined script body opens its own scope; the
// routine's top-level sequence has no parent.
type scope struct {
	parent *scope
}

func (sc *scope) within(outer *scope) bool {
	for ; sc != nil; sc = sc.parent {
		if sc == outer {
			return true
		}
	}
	return false
}

// rest returns the pending actions after a in a's sequence, nested
// blocks included.
func (a *ActionEntity) rest() []*ActionEntity {
	var out []*ActionEntity
	after := false
	for _, b := range a.routine.order {
		if b == a {
			after = true
			continue
		}
		if after && b.State() == ActionPending && b.scope.within(a.scope) {
			out = append(out, b)
		}
	}
	return out
}

// topLevel reports whether a sits directly in the routine's outer sequence.
func (a *ActionEntity) topLevel() bool { return a.scope == nil || a.scope.parent == nil }

// Routine is one instantiation of an action tree as a DAG.
type Routine struct {
	ID string

	// Set by the owner before Start; the dispatcher reads them.
	ScriptID string
	Vars     map[string]any
	Origin   event.Context

	actions map[string]*ActionEntity
	order   []*ActionEntity

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	settled chan struct{}

	mu        sync.Mutex
	remaining int
	inflight  int
	finished  bool
	drained   bool
	err       error
}

// Action returns the action with id.
func (r *Routine) Action(id string) (*ActionEntity, bool) {
	a, ok := r.actions[id]
	return a, ok
}

// Actions returns every action in build order.
func (r *Routine) Actions() []*ActionEntity {
	return append([]*ActionEntity(nil), r.order...)
}

// Roots returns the actions with no parents.
func (r *Routine) Roots() []*ActionEntity {
	var out []*ActionEntity
	for _, a := range r.order {
		if len(a.parents) == 0 {
			out = append(out, a)
		}
	}
	return out
}

// Done is closed when every action completed or the routine was aborted.
func (r *Routine) Done() <-chan struct{} { return r.done }

// Settled is closed after Done once no dispatch of the routine is still
// running.
func (r *Routine) Settled() <-chan struct{} { return r.settled }

// enter registers a dispatch. It fails once the routine has finished, so
// nothing new starts after Done.
func (r *Routine) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.inflight++
	return true
}

func (r *Routine) leave() {
	r.mu.Lock()
	r.inflight--
	r.settleLocked()
	r.mu.Unlock()
}

func (r *Routine) settleLocked() {
	if r.finished && r.inflight == 0 && !r.drained {
		r.drained = true
		close(r.settled)
	}
}

// Err returns why the routine was aborted, or nil.
func (r *Routine) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// finish records the outcome once. It reports whether this call finished
// the routine.
func (r *Routine) finish(err error) bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.finished = true
	r.err = err
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	close(r.done)

	r.mu.Lock()
	r.settleLocked()
	r.mu.Unlock()
	return true
}

// Validate checks that the graph is acyclic.
func (r *Routine) Validate() error {
	indegree := make(map[*ActionEntity]int, len(r.order))
	var ready []*ActionEntity
	for _, a := range r.order {
		indegree[a] = len(a.parents)
		if len(a.parents) == 0 {
			ready = append(ready, a)
		}
	}
	seen := 0
	for len(ready) > 0 {
		a := ready[0]
		ready = ready[1:]
		seen++
		for _, c := range a.children {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if seen != len(r.order) {
		return fmt.Errorf("%w in routine %s", ErrCycle, r.ID)
	}
	return nil
}

// Node is the serialisable view of an action.
type Node struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	Label   string   `json:"label"`
	Target  string   `json:"target"`
	State   string   `json:"state"`
	Parents []string `json:"parents,omitempty"`
}

// Graph returns the routine as a node list for previews.
func (r *Routine) Graph() []Node {
	out := make([]Node, 0, len(r.order))
	for _, a := range r.order {
		out = append(out, Node{
			ID:      a.ID,
			Kind:    a.Step.Kind(),
			Label:   a.Step.Label(),
			Target:  a.Target,
			State:   a.State().String(),
			Parents: a.Parents(),
		})
	}
	return out
}

// ScriptLookup resolves a named script to its steps for inlining.
type ScriptLookup func(scriptID string) ([]script.Step, bool)

type builder struct {
	routine *Routine
	lookup  ScriptLookup
	inline  []string
	scope   *scope
}

// Build converts steps into a routine graph. lookup may be nil, in which
// case script calls stay leaves.
func Build(routineID string, steps []script.Step, lookup ScriptLookup) (*Routine, error) {
	b := &builder{
		routine: &Routine{
			ID:      routineID,
			actions: make(map[string]*ActionEntity),
			done:    make(chan struct{}),
			settled: make(chan struct{}),
		},
		lookup: lookup,
	}
	if _, err := b.sequence(steps, nil); err != nil {
		return nil, err
	}
	if len(b.routine.order) == 0 {
		return nil, ErrEmptyRoutine
	}
	if err := b.routine.Validate(); err != nil {
		return nil, err
	}
	b.routine.remaining = len(b.routine.order)
	return b.routine, nil
}

// sequence chains steps; each step's leaves become the next step's parents.
func (b *builder) sequence(steps []script.Step, parents []*ActionEntity) ([]*ActionEntity, error) {
	outer := b.scope
	b.scope = &scope{parent: outer}
	defer func() { b.scope = outer }()

	for _, st := range steps {
		leaves, err := b.step(st, parents)
		if err != nil {
			return nil, err
		}
		parents = leaves
	}
	return parents, nil
}

// parallel fans every branch out from parents and fans in through the
// union of branch leaves.
func (b *builder) parallel(branches [][]script.Step, parents []*ActionEntity) ([]*ActionEntity, error) {
	var leaves []*ActionEntity
	for _, branch := range branches {
		out, err := b.sequence(branch, parents)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, out...)
	}
	return dedupe(leaves), nil
}

func (b *builder) step(st script.Step, parents []*ActionEntity) ([]*ActionEntity, error) {
	switch s := st.(type) {
	case script.Sequence:
		return b.sequence(s.Steps, parents)
	case script.Parallel:
		return b.parallel(s.Branches, parents)
	case script.CallService:
		if ids, ok := scriptCall(s); ok && b.lookup != nil {
			return b.inlineScripts(s, ids, parents)
		}
		if split := splitTargets(s); len(split) > 1 {
			return b.parallel(split, parents)
		}
	}
	return []*ActionEntity{b.leaf(st, parents)}, nil
}

func (b *builder) inlineScripts(call script.CallService, scriptIDs []string, parents []*ActionEntity) ([]*ActionEntity, error) {
	bodies := make([][]script.Step, 0, len(scriptIDs))
	for _, id := range scriptIDs {
		steps, ok := b.lookup(id)
		if !ok {
			// Unknown scripts stay leaves; the invoker reports them at run time.
			return []*ActionEntity{b.leaf(call, parents)}, nil
		}
		bodies = append(bodies, steps)
	}

	var leaves []*ActionEntity
	for i, id := range scriptIDs {
		if slices.Contains(b.inline, id) {
			return nil, fmt.Errorf("%w: script %s includes itself", ErrCycle, id)
		}
		b.inline = append(b.inline, id)
		out, err := b.sequence(bodies[i], parents)
		b.inline = b.inline[:len(b.inline)-1]
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, out...)
	}
	return dedupe(leaves), nil
}

func (b *builder) leaf(st script.Step, parents []*ActionEntity) *ActionEntity {
	r := b.routine
	a := &ActionEntity{
		ID:      fmt.Sprintf("%s-%d", r.ID, len(r.order)),
		Step:    st,
		Target:  targetOf(st, r.ID),
		routine: r,
		scope:   b.scope,
		parents: append([]*ActionEntity(nil), parents...),
	}
	for _, p := range parents {
		p.children = append(p.children, a)
	}
	r.actions[a.ID] = a
	r.order = append(r.order, a)
	return a
}

func dedupe(as []*ActionEntity) []*ActionEntity {
	seen := make(map[*ActionEntity]bool, len(as))
	out := as[:0]
	for _, a := range as {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// scriptCall recognises script.turn_on with script targets and the
// script.<name> shorthand.
func scriptCall(s script.CallService) ([]string, bool) {
	if isTemplate(s.Service) {
		return nil, false
	}
	domain, service, ok := strings.Cut(s.Service, ".")
	if !ok || domain != "script" {
		return nil, false
	}
	switch service {
	case "turn_on":
		var ids []string
		for _, t := range staticTargets(s.Targets) {
			d, obj, ok := strings.Cut(t, ".")
			if !ok || d != "script" {
				return nil, false
			}
			ids = append(ids, obj)
		}
		return ids, len(ids) > 0
	case "turn_off", "toggle", "reload":
		return nil, false
	default:
		return []string{service}, true
	}
}

// splitTargets turns a multi-target call into one call per target.
func splitTargets(s script.CallService) [][]script.Step {
	for _, t := range append(append([]string(nil), s.Targets...), s.DeviceIDs...) {
		if isTemplate(t) {
			return nil
		}
	}
	targets := staticTargets(s.Targets)
	if len(targets)+len(s.DeviceIDs) < 2 {
		return nil
	}
	var out [][]script.Step
	for _, t := range targets {
		c := s
		c.Targets = []string{t}
		c.DeviceIDs = nil
		out = append(out, []script.Step{c})
	}
	for _, d := range s.DeviceIDs {
		c := s
		c.Targets = nil
		c.DeviceIDs = []string{d}
		out = append(out, []script.Step{c})
	}
	return out
}

func staticTargets(raw []string) []string {
	var out []string
	for _, t := range raw {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func isTemplate(s string) bool { return strings.Contains(s, "{{") }

// targetOf keys an action by the first entity it addresses, then the
// device; anything else runs on the routine's virtual target.
func targetOf(st script.Step, routineID string) string {
	virtual := VirtualTargetPrefix + routineID
	switch s := st.(type) {
	case script.CallService:
		if t := staticTargets(s.Targets); len(t) > 0 && !isTemplate(t[0]) {
			return t[0]
		}
		if len(s.DeviceIDs) > 0 && !isTemplate(s.DeviceIDs[0]) {
			return s.DeviceIDs[0]
		}
	case script.ActivateScene:
		if !isTemplate(s.Scene) {
			return s.Scene
		}
	case script.DeviceAction:
		return s.DeviceID
	}
	return virtual
}
