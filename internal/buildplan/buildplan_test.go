package buildplan

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bsdfleet/jailctl/internal/hostadapter"
	"github.com/bsdfleet/jailctl/internal/ledger"
	"github.com/bsdfleet/jailctl/internal/model"
)

func TestParseImperative_FullRecipe(t *testing.T) {
	text := `
FROM release-14.1
ARG VERSION=1.24
ENV NGINX_VERSION=${VERSION}
WORKDIR /usr/local
COPY conf/nginx.conf etc/nginx/nginx.conf
RUN pkg install -y nginx-${VERSION}
EXPOSE 80/tcp
CMD nginx -g daemon off;
METADATA maintainer=ops
`
	plan, err := ParseImperative(text)
	if err != nil {
		t.Fatalf("ParseImperative: %v", err)
	}
	if plan.BaseRelease != "release-14.1" {
		t.Fatalf("BaseRelease = %q", plan.BaseRelease)
	}
	if len(plan.DeclaredArgs) != 1 || plan.DeclaredArgs[0] != "VERSION" {
		t.Fatalf("DeclaredArgs = %v", plan.DeclaredArgs)
	}
	if len(plan.ExposedPorts) != 1 || plan.ExposedPorts[0].InternalPort != 80 {
		t.Fatalf("ExposedPorts = %v", plan.ExposedPorts)
	}
	if plan.Cmd == "" {
		t.Fatal("Cmd not captured")
	}
	if plan.Metadata["maintainer"] != "ops" {
		t.Fatalf("Metadata = %v", plan.Metadata)
	}
}

func TestParseImperative_UnknownVerb(t *testing.T) {
	if _, err := ParseImperative("BOGUS foo"); err == nil {
		t.Fatal("expected an error for an unknown instruction")
	}
}

func TestParseStructured_MatchesImperativeShape(t *testing.T) {
	doc := `
from: release-14.1
args:
  - name: VERSION
    default: "1.24"
env:
  NGINX_VERSION: ${VERSION}
copy:
  - src: conf/nginx.conf
    dest: etc/nginx/nginx.conf
run:
  - pkg install -y nginx-${VERSION}
expose:
  - "80/tcp"
cmd: "nginx -g daemon off;"
`
	plan, err := ParseStructured([]byte(doc))
	if err != nil {
		t.Fatalf("ParseStructured: %v", err)
	}
	if plan.BaseRelease != "release-14.1" {
		t.Fatalf("BaseRelease = %q", plan.BaseRelease)
	}
	if len(plan.Steps) == 0 {
		t.Fatal("expected steps")
	}
	if plan.Cmd == "" {
		t.Fatal("Cmd not captured")
	}
}

// S6 / spec.md §4.7: an ARG with a supplied value substitutes cleanly.
func TestResolve_ArgSubstitution(t *testing.T) {
	plan, err := ParseImperative("ARG VERSION=1.24\nRUN pkg install nginx-${VERSION}\n")
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := Resolve(plan, map[string]string{"VERSION": "1.26"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Steps[len(resolved.Steps)-1].Cmd != "pkg install nginx-1.26" {
		t.Fatalf("resolved RUN = %q", resolved.Steps[len(resolved.Steps)-1].Cmd)
	}
}

// S6: referencing an undeclared variable fails resolution entirely,
// before any step would otherwise execute.
func TestResolve_UndeclaredVariableFails(t *testing.T) {
	plan, err := ParseImperative("RUN echo ${NOT_DECLARED}\n")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(plan, nil); err == nil {
		t.Fatal("expected resolution to fail on an undeclared variable")
	}
}

// Invariant 6 / build determinism: parsing the same structured document
// twice produces the identical step sequence, independent of Go's
// randomized map iteration order.
func TestParseStructured_Deterministic(t *testing.T) {
	doc := `
from: release-14.1
env:
  B: "2"
  A: "1"
  C: "3"
metadata:
  z: "9"
  a: "1"
`
	var first []model.BuildStep
	for i := 0; i < 5; i++ {
		plan, err := ParseStructured([]byte(doc))
		if err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = plan.Steps
			continue
		}
		if len(plan.Steps) != len(first) {
			t.Fatalf("step count varied across parses: %d vs %d", len(plan.Steps), len(first))
		}
		for i := range plan.Steps {
			if plan.Steps[i].Key != first[i].Key || plan.Steps[i].Kind != first[i].Kind {
				t.Fatalf("step order varied across parses at index %d: %+v vs %+v", i, plan.Steps[i], first[i])
			}
		}
	}
}

// fakeHostAdapter lets Execute's RUN handling be exercised without a
// real jail(8) on the host, mirroring the teacher's local-mock-struct
// test style (no mocking framework).
type fakeHostAdapter struct {
	hostadapter.HostAdapter
	execs   []string
	failCmd string
}

func (f *fakeHostAdapter) ExecInJail(ctx context.Context, name, user string, argv []string) (hostadapter.ExecResult, error) {
	cmd := argv[len(argv)-1]
	f.execs = append(f.execs, cmd)
	if f.failCmd != "" && cmd == f.failCmd {
		return hostadapter.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
	}
	return hostadapter.ExecResult{ExitCode: 0}, nil
}

type fakeStorageAdapter struct {
	snapshotted string
}

func (f *fakeStorageAdapter) EnsureDataset(path string) error           { return nil }
func (f *fakeStorageAdapter) Snapshot(path, name string) error          { f.snapshotted = name; return nil }
func (f *fakeStorageAdapter) Clone(srcAtSnap, dst string) error         { return nil }
func (f *fakeStorageAdapter) Destroy(path string, recursive bool) error { return nil }
func (f *fakeStorageAdapter) Send(srcAtSnap string, w io.Writer) error  { return nil }
func (f *fakeStorageAdapter) Receive(r io.Reader, dst string) error     { return nil }
func (f *fakeStorageAdapter) ListSnapshots(path string) ([]string, error) { return nil, nil }
func (f *fakeStorageAdapter) Backend() string                             { return "fake" }

func TestExecute_RunFailureRollsBackLedger(t *testing.T) {
	dir := t.TempDir()
	ctxDir := filepath.Join(dir, "ctx")
	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(ctxDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	plan, err := ParseImperative("RUN ok-step\nRUN bad-step\nRUN never-runs\n")
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := Resolve(plan, nil)
	if err != nil {
		t.Fatal(err)
	}

	undone := false
	l := ledger.New("scratch")
	l.Append("dataset", "scratch/ds", func(ctx context.Context, id string) error {
		undone = true
		return nil
	})

	adapter := &fakeHostAdapter{failCmd: "bad-step"}
	target := Target{JailName: "scratch", RootPath: root, ContextDir: ctxDir, DatasetPath: "scratch/ds"}

	_, err = Execute(context.Background(), resolved, target, adapter, nil, l, "release-next")
	if err == nil {
		t.Fatal("expected Execute to fail on the bad RUN step")
	}
	if len(adapter.execs) != 2 {
		t.Fatalf("expected exactly 2 RUN steps to attempt execution, got %d: %v", len(adapter.execs), adapter.execs)
	}
	if !undone {
		t.Fatal("expected the ledger entry to be undone on failure")
	}
}
