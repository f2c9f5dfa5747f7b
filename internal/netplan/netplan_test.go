package netplan

import (
	"fmt"
	"testing"

	"github.com/bsdfleet/jailctl/internal/model"
)

func TestDeriveMAC_ExplicitWins(t *testing.T) {
	got := DeriveMAC("web", "bridge0", "aa:bb:cc:dd:ee:ff")
	if got != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("DeriveMAC with explicit = %s, want passthrough", got)
	}
}

func TestDeriveMAC_DeterministicAndLocallyAdministered(t *testing.T) {
	a := DeriveMAC("web", "bridge0", "")
	b := DeriveMAC("web", "bridge0", "")
	if a != b {
		t.Fatalf("DeriveMAC not deterministic: %s != %s", a, b)
	}
	c := DeriveMAC("db", "bridge0", "")
	if a == c {
		t.Fatalf("DeriveMAC collided across different jail names")
	}
	var first int
	if _, err := fmt.Sscanf(a, "%x:", &first); err != nil {
		t.Fatalf("parsing first octet: %v", err)
	}
	if first&0x01 != 0 {
		t.Fatalf("MAC %s has the multicast bit set", a)
	}
	if first&0x02 == 0 {
		t.Fatalf("MAC %s does not have the locally-administered bit set", a)
	}
}

// S5 / invariant 7: two specs exposing the same (host_ip, host_port,
// proto) fail conflict detection, naming both specs.
func TestCheckConflicts_PortConflict(t *testing.T) {
	cfg := &model.FleetConfig{
		Jails: []model.JailSpec{
			{Name: "a", Ports: []model.ExposedPort{{HostPort: 80, Protocol: model.ProtoTCP}}},
			{Name: "b", Ports: []model.ExposedPort{{HostPort: 80, Protocol: model.ProtoTCP}}},
		},
	}
	err := CheckConflicts(cfg)
	if err == nil {
		t.Fatal("expected a port conflict error")
	}
}

func TestCheckConflicts_NoFalsePositive(t *testing.T) {
	cfg := &model.FleetConfig{
		Jails: []model.JailSpec{
			{Name: "a", Ports: []model.ExposedPort{{HostPort: 80, Protocol: model.ProtoTCP}}},
			{Name: "b", Ports: []model.ExposedPort{{HostPort: 80, Protocol: model.ProtoUDP}}},
			{Name: "c", Network: &model.NetworkSpec{Bridge: "bridge0", IPv4: "10.0.0.2"}},
			{Name: "d", Network: &model.NetworkSpec{Bridge: "bridge1", IPv4: "10.0.0.2"}},
		},
	}
	if err := CheckConflicts(cfg); err != nil {
		t.Fatalf("unexpected conflict: %v", err)
	}
}

func TestCheckConflicts_DuplicateIPSameBridge(t *testing.T) {
	cfg := &model.FleetConfig{
		Jails: []model.JailSpec{
			{Name: "a", Network: &model.NetworkSpec{Bridge: "bridge0", IPv4: "10.0.0.2"}},
			{Name: "b", Network: &model.NetworkSpec{Bridge: "bridge0", IPv4: "10.0.0.2"}},
		},
	}
	if err := CheckConflicts(cfg); err == nil {
		t.Fatal("expected a duplicate-ip conflict error")
	}
}
