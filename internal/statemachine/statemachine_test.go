package statemachine

import (
	"testing"

	"github.com/bsdfleet/jailctl/internal/model"
)

func TestNext_LegalTransitions(t *testing.T) {
	cases := []struct {
		from model.State
		trig Trigger
		want model.State
	}{
		{model.StateStopped, TriggerUp, model.StateStarting},
		{model.StateStarting, TriggerResourcesAcquired, model.StateRunning},
		{model.StateStarting, TriggerStepFailed, model.StateFailed},
		{model.StateRunning, TriggerChecksFailing, model.StateDegraded},
		{model.StateDegraded, TriggerRecovered, model.StateRunning},
		{model.StateRunning, TriggerDown, model.StateStopping},
		{model.StateDegraded, TriggerDown, model.StateStopping},
		{model.StateStopping, TriggerReleased, model.StateStopped},
		{model.StateStopping, TriggerReleaseFailed, model.StateFailed},
		{model.StateFailed, TriggerForceCleanup, model.StateStopped},
	}
	for _, c := range cases {
		got, err := Next("x", c.from, c.trig)
		if err != nil {
			t.Fatalf("Next(%s, %s): unexpected error %v", c.from, c.trig, err)
		}
		if got != c.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", c.from, c.trig, got, c.want)
		}
	}
}

func TestNext_IllegalTransitionErrors(t *testing.T) {
	if _, err := Next("x", model.StateStopped, TriggerDown); err == nil {
		t.Fatal("expected an error for Stopped+down")
	}
	if CanFire(model.StateStopped, TriggerDown) {
		t.Fatal("CanFire should reject Stopped+down")
	}
}
