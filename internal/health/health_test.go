package health

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsdfleet/jailctl/internal/hostadapter"
	"github.com/bsdfleet/jailctl/internal/model"
	"github.com/bsdfleet/jailctl/internal/orchestrator"
	"github.com/bsdfleet/jailctl/internal/statestore"
)

type scriptedHost struct {
	hostadapter.HostAdapter
	exitCodes []int
	call      int32
}

func (h *scriptedHost) ExecInJail(ctx context.Context, name, user string, argv []string) (hostadapter.ExecResult, error) {
	i := atomic.AddInt32(&h.call, 1) - 1
	code := h.exitCodes[int(i)%len(h.exitCodes)]
	return hostadapter.ExecResult{ExitCode: code}, nil
}
func (h *scriptedHost) ExecInJailStream(ctx context.Context, name, user string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	return nil
}

func testOrch(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	store := statestore.New(t.TempDir())
	if err := store.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return &orchestrator.Orchestrator{Store: store}
}

// Invariant 8: a check failing more than `retries` times in a row
// marks the jail degraded; a subsequent success brings it back to
// healthy.
func TestRecordResult_DegradedThenRecovered(t *testing.T) {
	s := New(&scriptedHost{}, testOrch(t), nil)
	check := model.CheckSpec{Name: "ping", Retries: 1}

	s.recordResult(context.Background(), "web", check, false)
	if s.Verdict("web") != model.VerdictHealthy {
		t.Fatalf("one failure with retries=1 should still be healthy, got %s", s.Verdict("web"))
	}
	s.recordResult(context.Background(), "web", check, false)
	if s.Verdict("web") != model.VerdictDegraded {
		t.Fatalf("two consecutive failures with retries=1 should be degraded, got %s", s.Verdict("web"))
	}
	s.recordResult(context.Background(), "web", check, true)
	if s.Verdict("web") != model.VerdictHealthy {
		t.Fatalf("a success should clear degraded, got %s", s.Verdict("web"))
	}
}

func TestVerdict_UnknownBeforeFirstResult(t *testing.T) {
	s := New(&scriptedHost{}, testOrch(t), nil)
	if s.Verdict("never-checked") != model.VerdictUnknown {
		t.Fatal("expected unknown verdict before any check has run")
	}
}

// Aggregate rule: a jail with multiple checks is degraded if ANY one
// check is over its threshold, even if the others are fine.
func TestRecordResult_AnyCheckOverThresholdDegradesTheJail(t *testing.T) {
	s := New(&scriptedHost{}, testOrch(t), nil)
	ok := model.CheckSpec{Name: "liveness", Retries: 3}
	bad := model.CheckSpec{Name: "readiness", Retries: 0}

	s.recordResult(context.Background(), "web", ok, true)
	s.recordResult(context.Background(), "web", bad, false)
	if s.Verdict("web") != model.VerdictDegraded {
		t.Fatalf("expected degraded when one of two checks is over threshold, got %s", s.Verdict("web"))
	}
}

func TestRun_CancelStopsAllChecks(t *testing.T) {
	cfg := &model.FleetConfig{
		Jails: []model.JailSpec{{
			Name: "web",
			Healthcheck: &model.Healthcheck{
				Enabled: true,
				Checks:  []model.CheckSpec{{Name: "ping", Interval: 1, Timeout: 1, Retries: 2}},
			},
		}},
	}
	s := New(&scriptedHost{exitCodes: []int{0}}, testOrch(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, cfg) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
