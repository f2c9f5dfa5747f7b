// Package statemachine implements the Jail State Machine (spec.md §4.2)
// as an explicit transition table, per DESIGN NOTES §9: "replace any
// dynamic dispatch with a tagged variant; exhaustive matching is part
// of the contract." Any transition not in the table is a programming
// error and returns a StateError.
package statemachine

import (
	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/model"
)

// Trigger is what drove a transition attempt.
type Trigger string

const (
	TriggerUp               Trigger = "up"
	TriggerResourcesAcquired Trigger = "resources-acquired"
	TriggerStepFailed       Trigger = "step-failed"
	TriggerChecksFailing    Trigger = "checks-failing"
	TriggerRecovered        Trigger = "recovered"
	TriggerDown             Trigger = "down"
	TriggerReleased         Trigger = "released"
	TriggerReleaseFailed    Trigger = "release-failed"
	TriggerForceCleanup     Trigger = "force-cleanup"
)

type edge struct {
	from model.State
	trig Trigger
}

// table is spec.md §4.2's transition table, verbatim.
var table = map[edge]model.State{
	{model.StateStopped, TriggerUp}:                 model.StateStarting,
	{model.StateStarting, TriggerResourcesAcquired}: model.StateRunning,
	{model.StateStarting, TriggerStepFailed}:        model.StateFailed,
	{model.StateRunning, TriggerChecksFailing}:       model.StateDegraded,
	{model.StateDegraded, TriggerRecovered}:          model.StateRunning,
	{model.StateRunning, TriggerDown}:                model.StateStopping,
	{model.StateDegraded, TriggerDown}:               model.StateStopping,
	{model.StateStopping, TriggerReleased}:           model.StateStopped,
	{model.StateStopping, TriggerReleaseFailed}:      model.StateFailed,
	{model.StateFailed, TriggerForceCleanup}:         model.StateStopped,
}

// Next returns the state reached by firing trig from cur, or a
// StateError if the table has no such edge.
func Next(jail string, cur model.State, trig Trigger) (model.State, error) {
	next, ok := table[edge{cur, trig}]
	if !ok {
		return "", errs.NewStateError(jail, string(cur)+" has no transition for trigger "+string(trig))
	}
	return next, nil
}

// CanFire reports whether trig is legal from cur, without erroring.
func CanFire(cur model.State, trig Trigger) bool {
	_, ok := table[edge{cur, trig}]
	return ok
}
