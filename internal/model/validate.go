package model

import (
	"fmt"
	"net"
	"regexp"

	"github.com/bsdfleet/jailctl/internal/errs"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks a single Jail Spec's own shape. It does not check
// cross-spec invariants: internal/fleetconfig's Parse rejects duplicate
// names and unresolved dependencies, and the orchestrator's Check runs
// cycle detection (internal/graph) and port/IP conflict detection
// (internal/netplan).
func (j *JailSpec) Validate() error {
	if !nameRE.MatchString(j.Name) {
		return errs.NewConfigError("invalid-field", "jail name must match [A-Za-z0-9_-]{1,64}", j.Name)
	}
	if j.Release == "" {
		return errs.NewConfigError("invalid-field", "release must be set", j.Name)
	}
	if j.Network != nil {
		if j.Network.Bridge == "" {
			return errs.NewConfigError("invalid-field", "network.bridge must be set when network is present", j.Name)
		}
		if j.Network.IPv4 != "" {
			if ip := net.ParseIP(j.Network.IPv4); ip == nil {
				return errs.NewConfigError("invalid-field", fmt.Sprintf("network.ipv4 %q is not a valid address", j.Network.IPv4), j.Name)
			}
		}
	}
	if j.Healthcheck != nil {
		for _, c := range j.Healthcheck.Checks {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	}
	for _, h := range j.Hooks {
		if err := h.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a Check Spec's own bounds (spec.md §3: interval >= 1,
// timeout < interval, retries >= 0).
func (c *CheckSpec) Validate() error {
	if c.Interval < 1 {
		return errs.NewConfigError("invalid-field", fmt.Sprintf("check %q: interval must be >= 1", c.Name))
	}
	if c.Timeout >= c.Interval {
		return errs.NewConfigError("invalid-field", fmt.Sprintf("check %q: timeout must be < interval", c.Name))
	}
	if c.Retries < 0 {
		return errs.NewConfigError("invalid-field", fmt.Sprintf("check %q: retries must be >= 0", c.Name))
	}
	switch c.Target {
	case TargetJail, TargetHost:
	default:
		return errs.NewConfigError("invalid-field", fmt.Sprintf("check %q: target must be jail or host", c.Name))
	}
	return nil
}

// Validate checks a Hook Spec's own shape.
func (h *HookSpec) Validate() error {
	switch h.Phase {
	case PhasePreStart, PhasePostStart, PhasePreStop, PhasePostStop:
	default:
		return errs.NewConfigError("invalid-field", fmt.Sprintf("hook phase %q is not legal", h.Phase))
	}
	switch h.Target {
	case TargetJail, TargetHost:
	default:
		return errs.NewConfigError("invalid-field", fmt.Sprintf("hook target %q is not legal", h.Target))
	}
	switch h.OnFailure {
	case OnFailureAbort, OnFailureContinue:
	default:
		return errs.NewConfigError("invalid-field", fmt.Sprintf("hook on_failure %q is not legal", h.OnFailure))
	}
	if h.Command == "" {
		return errs.NewConfigError("invalid-field", "hook command must be set")
	}
	return nil
}
