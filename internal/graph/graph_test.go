package graph

import (
	"reflect"
	"testing"

	"github.com/bsdfleet/jailctl/internal/model"
)

func fleet(jails ...model.JailSpec) *model.FleetConfig {
	return &model.FleetConfig{Jails: jails}
}

func jail(name string, deps ...string) model.JailSpec {
	return model.JailSpec{Name: name, DependsOn: deps}
}

// S1: linear chain a->b->c.
func TestTopoStart_LinearChain(t *testing.T) {
	g := New(fleet(jail("a", "b"), jail("b", "c"), jail("c")))

	order, err := g.TopoStart([]string{"a"})
	if err != nil {
		t.Fatalf("TopoStart: %v", err)
	}
	want := []string{"c", "b", "a"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("TopoStart(a) = %v, want %v", order, want)
	}

	down, err := g.TopoStop([]string{"a"})
	if err != nil {
		t.Fatalf("TopoStop: %v", err)
	}
	wantDown := []string{"a", "b", "c"}
	if !reflect.DeepEqual(down, wantDown) {
		t.Fatalf("TopoStop(a) = %v, want %v", down, wantDown)
	}
}

// S2: fan-out app->(db, cache), lexicographic tie-break within a rank.
func TestTopoStart_FanOut(t *testing.T) {
	g := New(fleet(jail("app", "db", "cache"), jail("db"), jail("cache")))

	order, err := g.TopoStart([]string{"app"})
	if err != nil {
		t.Fatalf("TopoStart: %v", err)
	}
	want := []string{"cache", "db", "app"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("TopoStart(app) = %v, want %v", order, want)
	}

	ranks, err := g.Ranks([]string{"app"})
	if err != nil {
		t.Fatalf("Ranks: %v", err)
	}
	if len(ranks) != 2 {
		t.Fatalf("expected 2 ranks, got %d: %v", len(ranks), ranks)
	}
	if !reflect.DeepEqual(ranks[0], []string{"cache", "db"}) {
		t.Fatalf("rank 0 = %v, want [cache db]", ranks[0])
	}
	if !reflect.DeepEqual(ranks[1], []string{"app"}) {
		t.Fatalf("rank 1 = %v, want [app]", ranks[1])
	}
}

func TestDetectCycle(t *testing.T) {
	g := New(fleet(jail("a", "b"), jail("b", "c"), jail("c", "a")))
	cyc := g.DetectCycle()
	if cyc == nil {
		t.Fatal("expected a cycle to be detected")
	}
	seen := map[string]bool{}
	for _, n := range cyc {
		seen[n] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !seen[want] {
			t.Fatalf("cycle %v missing member %q", cyc, want)
		}
	}
}

func TestTopoStart_RejectsCycle(t *testing.T) {
	g := New(fleet(jail("a", "b"), jail("b", "a")))
	if _, err := g.TopoStart([]string{"a"}); err == nil {
		t.Fatal("expected an error for a cyclic fleet")
	}
}

func TestTopoStart_AcyclicFleetsAreSound(t *testing.T) {
	// Invariant 1: for every edge a->b, b precedes a in TopoStart's order.
	g := New(fleet(
		jail("web", "api", "cache"),
		jail("api", "db"),
		jail("cache"),
		jail("db"),
	))
	order, err := g.TopoStart([]string{"web"})
	if err != nil {
		t.Fatalf("TopoStart: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	deps := map[string][]string{"web": {"api", "cache"}, "api": {"db"}}
	for a, bs := range deps {
		for _, b := range bs {
			if pos[b] >= pos[a] {
				t.Fatalf("expected %q before %q in %v", b, a, order)
			}
		}
	}
}
