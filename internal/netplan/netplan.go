// Package netplan implements the Port & Network Planner (spec.md §4.6):
// epair allocation, deterministic MAC derivation, and PF anchor rule
// construction, plus the conflict detection that internal/orchestrator's
// Check operation runs over a whole Fleet Config.
package netplan

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/hostadapter"
	"github.com/bsdfleet/jailctl/internal/model"
	"github.com/goombaio/namegenerator"
)

// AnchorName is the single, fixed, top-level PF anchor all fleets share
// (spec.md §4.6: "Anchor name is a single top-level anchor").
const AnchorName = "jailctl"

// Planner allocates epairs, MACs, and PF rules against the host's
// current state.
type Planner struct {
	adapter hostadapter.HostAdapter
	nameGen namegenerator.Generator
}

func New(adapter hostadapter.HostAdapter, seed int64) *Planner {
	return &Planner{adapter: adapter, nameGen: namegenerator.NewNameGenerator(seed)}
}

// AllocateEpair scans the host's current enumeration for the first free
// epair<N> index and returns that pair's host- and jail-side names.
func (p *Planner) AllocateEpair(ctx context.Context) (hostSide, jailSide string, err error) {
	existing, err := p.adapter.ExistingEpairIndices(ctx)
	if err != nil {
		return "", "", fmt.Errorf("enumerating existing epairs: %w", err)
	}
	used := make(map[int]bool, len(existing))
	for _, n := range existing {
		used[n] = true
	}
	n := 0
	for used[n] {
		n++
	}
	a, b, err := p.adapter.CreateEpair(ctx, n)
	if err != nil {
		return "", "", fmt.Errorf("creating epair %d: %w", n, err)
	}
	return a, b, nil
}

// DeriveMAC returns a deterministic, locally-administered unicast MAC
// hashed over (jailName, bridge), or explicitMAC verbatim if it is set
// (spec.md §4.6).
func DeriveMAC(jailName, bridge, explicitMAC string) string {
	if explicitMAC != "" {
		return explicitMAC
	}
	sum := sha256.Sum256([]byte(jailName + "\x00" + bridge))
	// Clear the multicast bit and set the locally-administered bit on
	// the first octet, per the standard locally-administered-unicast
	// convention.
	b0 := (sum[0] &^ 0x01) | 0x02
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b0, sum[1], sum[2], sum[3], sum[4], sum[5])
}

// AnchorRule renders one exposed port into a pf anchor rule line
// (spec.md §4.6). ruleID is cosmetic (a namegenerator suffix appended
// to the jail name) and carried in a comment so `pfctl -a jailctl -s
// rules` output stays human-navigable; it plays no role in matching.
func (p *Planner) AnchorRule(jailName, jailIP string, port model.ExposedPort) (ruleID, rule string) {
	ruleID = fmt.Sprintf("%s-%s", jailName, p.nameGen.Generate())
	bind := "any"
	if port.HostIP != "" {
		bind = port.HostIP
	}
	rule = fmt.Sprintf(
		"rdr pass on egress proto %s from %s to (egress) port %d -> %s port %d # %s",
		port.Protocol, bind, port.HostPort, jailIP, port.InternalPort, ruleID,
	)
	return ruleID, rule
}

// CheckConflicts validates the whole fleet for duplicate IPs within a
// bridge and duplicate (host_ip, host_port, proto) triples across
// jails (spec.md §4.6, §8 invariant 7, scenario S5). It is pure and
// safe to call repeatedly from Check() and from plan-time validation.
func CheckConflicts(cfg *model.FleetConfig) error {
	type bridgeIP struct{ bridge, ip string }
	seenIPs := map[bridgeIP]string{}        // -> owning jail name
	seenPorts := map[string]map[string]bool{} // conflict key -> set of owning jail names

	for _, j := range cfg.Jails {
		if j.Network != nil && j.Network.IPv4 != "" {
			key := bridgeIP{j.Network.Bridge, j.Network.IPv4}
			if owner, ok := seenIPs[key]; ok && owner != j.Name {
				return errs.NewConfigError("conflict",
					fmt.Sprintf("duplicate ipv4 %s on bridge %s", j.Network.IPv4, j.Network.Bridge),
					owner, j.Name)
			}
			seenIPs[key] = j.Name
		}
		for _, port := range j.Ports {
			key := port.ConflictKey()
			if seenPorts[key] == nil {
				seenPorts[key] = map[string]bool{}
			}
			seenPorts[key][j.Name] = true
		}
	}

	for key, owners := range seenPorts {
		if len(owners) > 1 {
			var names []string
			for name := range owners {
				names = append(names, name)
			}
			return errs.NewConfigError("conflict",
				fmt.Sprintf("exposed port conflict on %s", key), names...)
		}
	}
	return nil
}
