package orchestrator

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/bsdfleet/jailctl/internal/hostadapter"
	"github.com/bsdfleet/jailctl/internal/model"
	"github.com/bsdfleet/jailctl/internal/netplan"
	"github.com/bsdfleet/jailctl/internal/statestore"
)

// fakeHost is a local mock implementing hostadapter.HostAdapter, in
// the teacher's table-driven/local-struct test style (no mocking
// framework). failOn names an operation that fails every time it is
// called.
type fakeHost struct {
	failOn string
	calls  []string
}

func (f *fakeHost) record(op string) error {
	f.calls = append(f.calls, op)
	if f.failOn == op {
		return errFake
	}
	return nil
}

var errFake = &fakeErr{"injected failure"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func (f *fakeHost) CreateVnetJail(ctx context.Context, name, path, hostname string, net *hostadapter.NetworkConfig) error {
	return f.record("create-jail")
}
func (f *fakeHost) StopJail(ctx context.Context, name string) error { return f.record("stop-jail") }
func (f *fakeHost) JailExists(ctx context.Context, name string) (bool, error) {
	return false, f.record("jail-exists")
}
func (f *fakeHost) ExecInJail(ctx context.Context, name, user string, argv []string) (hostadapter.ExecResult, error) {
	return hostadapter.ExecResult{}, f.record("exec")
}
func (f *fakeHost) ExecInJailStream(ctx context.Context, name, user string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	return f.record("exec-stream")
}
func (f *fakeHost) CreateBridge(ctx context.Context, name string) error  { return f.record("create-bridge") }
func (f *fakeHost) DestroyBridge(ctx context.Context, name string) error { return f.record("destroy-bridge") }
func (f *fakeHost) CreateEpair(ctx context.Context, index int) (string, string, error) {
	return fmt.Sprintf("epair%da", index), fmt.Sprintf("epair%db", index), f.record("create-epair")
}
func (f *fakeHost) DestroyInterface(ctx context.Context, name string) error {
	return f.record("destroy-interface")
}
func (f *fakeHost) AttachToBridge(ctx context.Context, bridge, iface string) error {
	return f.record("attach-bridge")
}
func (f *fakeHost) DetachFromBridge(ctx context.Context, bridge, iface string) error {
	return f.record("detach-bridge")
}
func (f *fakeHost) SetIPv4(ctx context.Context, iface, ip, gw string) error { return f.record("set-ipv4") }
func (f *fakeHost) SetMAC(ctx context.Context, iface, mac string) error    { return f.record("set-mac") }
func (f *fakeHost) ExistingEpairIndices(ctx context.Context) ([]int, error) {
	return nil, f.record("existing-epairs")
}
func (f *fakeHost) PFAnchorLoad(ctx context.Context, anchor string, rules []string) error {
	return f.record("pf-load")
}
func (f *fakeHost) PFAnchorUnload(ctx context.Context, anchor string) error {
	return f.record("pf-unload")
}
func (f *fakeHost) ExtractArchive(ctx context.Context, path, dest string) error {
	return f.record("extract")
}
func (f *fakeHost) Fetch(ctx context.Context, url, dest string) error { return f.record("fetch") }

type fakeStorage struct{ destroyed []string }

func (s *fakeStorage) EnsureDataset(path string) error      { return nil }
func (s *fakeStorage) Snapshot(path, name string) error      { return nil }
func (s *fakeStorage) Clone(srcAtSnap, dst string) error     { return nil }
func (s *fakeStorage) Destroy(path string, recursive bool) error {
	s.destroyed = append(s.destroyed, path)
	return nil
}
func (s *fakeStorage) Send(srcAtSnap string, w io.Writer) error      { return nil }
func (s *fakeStorage) Receive(r io.Reader, dst string) error         { return nil }
func (s *fakeStorage) ListSnapshots(path string) ([]string, error)   { return nil, nil }
func (s *fakeStorage) Backend() string                               { return "plain" }

func newTestOrchestrator(t *testing.T, host *fakeHost, storage *fakeStorage) *Orchestrator {
	t.Helper()
	store := statestore.New(t.TempDir())
	if err := store.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return &Orchestrator{
		Host:        host,
		Storage:     storage,
		Net:         netplan.New(host, 1),
		Store:       store,
		MaxParallel: 2,
	}
}

func simpleFleet() *model.FleetConfig {
	return &model.FleetConfig{
		Global: model.GlobalConfig{StorageBackend: model.BackendPlain},
		Jails: []model.JailSpec{
			{Name: "web", DependsOn: []string{"db"}},
			{Name: "db"},
		},
	}
}

// Invariant 1/2: Up over a dependent set brings every jail to Running,
// in dependency order (db before web).
func TestUp_DependencyOrderAndIdempotence(t *testing.T) {
	host := &fakeHost{}
	o := newTestOrchestrator(t, host, &fakeStorage{})
	cfg := simpleFleet()

	results, err := o.Up(context.Background(), cfg, []string{"web"}, Options{})
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("jail %s failed to start: %v", r.Jail, r.Err)
		}
	}
	for _, name := range []string{"web", "db"} {
		rec, err := o.Store.LoadRuntimeRecord(name)
		if err != nil || rec == nil {
			t.Fatalf("expected a runtime record for %s", name)
		}
		if rec.State != model.StateRunning {
			t.Fatalf("%s state = %s, want running", name, rec.State)
		}
	}

	// A second Up is a no-op (idempotent) and touches nothing new.
	before := len(host.calls)
	if _, err := o.Up(context.Background(), cfg, []string{"web"}, Options{}); err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if len(host.calls) != before {
		t.Fatalf("expected idempotent Up to make no new host calls, had %d now %d", before, len(host.calls))
	}
}

// Invariant 3/4: a failing resource acquisition unwinds everything
// acquired so far and leaves the jail Failed with an empty ledger.
func TestUp_FailureRollsBackAndMarksFailed(t *testing.T) {
	host := &fakeHost{failOn: "create-jail"}
	storage := &fakeStorage{}
	o := newTestOrchestrator(t, host, storage)
	cfg := &model.FleetConfig{
		Global: model.GlobalConfig{StorageBackend: model.BackendPlain},
		Jails:  []model.JailSpec{{Name: "web"}},
	}

	results, err := o.Up(context.Background(), cfg, []string{"web"}, Options{})
	if err != nil {
		t.Fatalf("Up returned a top-level error: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected web's Up to fail")
	}
	rec, err := o.Store.LoadRuntimeRecord("web")
	if err != nil || rec == nil {
		t.Fatal("expected a runtime record")
	}
	if rec.State != model.StateFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}
	if len(rec.Ledger) != 0 {
		t.Fatalf("expected an empty ledger after a fully-successful rollback, got %d entries", len(rec.Ledger))
	}
	if len(storage.destroyed) != 1 {
		t.Fatalf("expected the dataset to be destroyed during rollback, destroyed=%v", storage.destroyed)
	}
}

// A dry-run Up describes its side effects without performing any of
// them: no host calls, no runtime record written.
func TestUp_DryRunMakesNoHostCalls(t *testing.T) {
	host := &fakeHost{}
	o := newTestOrchestrator(t, host, &fakeStorage{})
	cfg := simpleFleet()

	results, err := o.Up(context.Background(), cfg, []string{"web"}, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Up dry-run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected a plan entry per jail in the dependency closure, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("dry-run should never report an error, got %v", r.Err)
		}
		if len(r.Plan) == 0 {
			t.Fatalf("expected a non-empty plan for %s", r.Jail)
		}
	}
	if len(host.calls) != 0 {
		t.Fatalf("expected no host calls during a dry run, got %v", host.calls)
	}
	if rec, _ := o.Store.LoadRuntimeRecord("web"); rec != nil {
		t.Fatal("expected no runtime record to be written during a dry run")
	}
}

// Down's dry-run plan for a never-started jail says so without
// touching the host.
func TestDown_DryRunDescribesNoopWithoutTouchingHost(t *testing.T) {
	host := &fakeHost{}
	o := newTestOrchestrator(t, host, &fakeStorage{})
	cfg := &model.FleetConfig{Jails: []model.JailSpec{{Name: "web"}}}

	results, err := o.Down(context.Background(), cfg, []string{"web"}, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Down dry-run: %v", err)
	}
	if len(results) != 1 || len(results[0].Plan) == 0 {
		t.Fatalf("expected a non-empty plan, got %v", results)
	}
	if len(host.calls) != 0 {
		t.Fatalf("expected no host calls during a dry run, got %v", host.calls)
	}
}

func TestDown_StoppedIsNoop(t *testing.T) {
	host := &fakeHost{}
	o := newTestOrchestrator(t, host, &fakeStorage{})
	cfg := &model.FleetConfig{Jails: []model.JailSpec{{Name: "web"}}}

	results, err := o.Down(context.Background(), cfg, []string{"web"}, Options{})
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("Down on a never-started jail should be a no-op: %v", results[0].Err)
	}
	if len(host.calls) != 0 {
		t.Fatalf("expected no host calls, got %v", host.calls)
	}
}
