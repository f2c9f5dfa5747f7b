package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/bsdfleet/jailctl/internal/eventlog"
	"github.com/bsdfleet/jailctl/internal/fleetconfig"
	"github.com/bsdfleet/jailctl/internal/hostadapter"
	"github.com/bsdfleet/jailctl/internal/jailssh"
	"github.com/bsdfleet/jailctl/internal/model"
	"github.com/bsdfleet/jailctl/internal/netplan"
	"github.com/bsdfleet/jailctl/internal/orchestrator"
	"github.com/bsdfleet/jailctl/internal/statestore"
	"github.com/bsdfleet/jailctl/internal/storageadapter"
)

// collaborators bundles everything a subcommand needs after loading
// the fleet config, so each Run method stays a thin driver over the
// core packages rather than re-deriving this wiring itself.
type collaborators struct {
	cfg    *model.FleetConfig
	orch   *orchestrator.Orchestrator
	store  *statestore.Store
	events *eventlog.Log
}

// build loads the fleet config named by cctx.ConfigPath and wires an
// Orchestrator over the real host/storage adapters, in the same spirit
// as the teacher's sand.NewSandBoxer(cli.CloneRoot, os.Stderr): one
// constructor call per invocation, no long-lived global state.
func build(cctx *Context) (*collaborators, error) {
	cfg, err := fleetconfig.Load(cctx.ConfigPath)
	if err != nil {
		return nil, err
	}

	store := statestore.New(cfg.Global.DataDir)
	if err := store.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("preparing data dir %s: %w", cfg.Global.DataDir, err)
	}

	events, err := eventlog.Open(cfg.Global.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	host := hostadapter.NewCLIHostAdapter()

	var storage storageadapter.StorageAdapter
	if cfg.Global.StorageBackend == model.BackendCOW {
		storage = storageadapter.NewZFSAdapter()
	} else {
		storage = storageadapter.NewPlainAdapter()
	}

	sshKeys, err := jailssh.NewManager(cctx.ConfigDir)
	if err != nil {
		return nil, err
	}

	orch := &orchestrator.Orchestrator{
		Host:        host,
		Storage:     storage,
		Net:         netplan.New(host, 0),
		Store:       store,
		Events:      events,
		SSHKeys:     sshKeys,
		MaxParallel: cfg.Global.MaxParallel,
	}

	return &collaborators{cfg: cfg, orch: orch, store: store, events: events}, nil
}

// partialSuccessError wraps a []orchestrator.Result where at least one
// jail failed and at least one succeeded, so exitCode can tell that
// apart from a fleet-wide failure (spec.md §7: exit code 3).
type partialSuccessError struct {
	op      string
	results []orchestrator.Result
}

func (e *partialSuccessError) Error() string {
	var failed []string
	for _, r := range e.results {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", r.Jail, r.Err))
		}
	}
	return fmt.Sprintf("%s: %d of %d jails failed: %v", e.op, len(failed), len(e.results), failed)
}

// resultsToErr classifies a fleet-wide operation's per-jail results
// into nil (all succeeded), a plain error (all failed, surfaced as the
// first one), or a *partialSuccessError (mixed).
func resultsToErr(op string, results []orchestrator.Result) error {
	var ok, failed int
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			failed++
		} else {
			ok++
		}
	}
	switch {
	case failed == 0:
		return nil
	case ok == 0:
		return fmt.Errorf("%s: all %d jails failed, first error: %w", op, failed, firstErr)
	default:
		return &partialSuccessError{op: op, results: results}
	}
}

// printResults renders one line per jail's outcome, success or error.
func printResults(results []orchestrator.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JAIL\tSTATE\tERROR")
	for _, r := range results {
		errStr := ""
		if r.Err != nil {
			errStr = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Jail, r.State, errStr)
	}
	w.Flush()
}

// printPlan prints a dry-run's ordered side-effect descriptions per
// jail, in the same jail order the real operation would run them.
func printPlan(results []orchestrator.Result) {
	for _, r := range results {
		if len(r.Plan) == 0 {
			fmt.Printf("%s: (no changes)\n", r.Jail)
			continue
		}
		fmt.Printf("%s:\n", r.Jail)
		for _, step := range r.Plan {
			fmt.Printf("  - %s\n", step)
		}
	}
}

// refreshSSHAliases regenerates the managed ssh_config snippet so
// `ssh <jailname>` works directly for every VNet jail with an assigned
// address, best-effort: a failure here should never fail an `up`.
func refreshSSHAliases(col *collaborators, cctx *Context) {
	var aliases []jailssh.JailAlias
	for _, j := range col.cfg.Jails {
		if j.Network != nil && j.Network.VNet && j.Network.IPv4 != "" {
			aliases = append(aliases, jailssh.JailAlias{Name: j.Name, IPv4: j.Network.IPv4, User: "root"})
		}
	}
	if len(aliases) == 0 {
		return
	}

	managedPath := filepath.Join(cctx.ConfigDir, "ssh_config")
	identityPath := filepath.Join(cctx.ConfigDir, "id_ed25519")
	knownHostsPath := filepath.Join(cctx.ConfigDir, "known_hosts")
	if err := jailssh.WriteConfig(managedPath, identityPath, knownHostsPath, aliases); err != nil {
		slog.Warn("writing managed ssh_config", "error", err)
		return
	}
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("resolving home directory for ssh_config include", "error", err)
		return
	}
	if err := jailssh.EnsureInclude(filepath.Join(home, ".ssh", "config"), managedPath); err != nil {
		slog.Warn("updating ~/.ssh/config include", "error", err)
	}
}

// jailNames returns names if non-empty, else every jail declared in
// cfg — the implicit "operate on the whole fleet" default every
// lifecycle subcommand shares.
func jailNames(cfg *model.FleetConfig, names []string) []string {
	if len(names) > 0 {
		return names
	}
	out := make([]string, len(cfg.Jails))
	for i, j := range cfg.Jails {
		out[i] = j.Name
	}
	return out
}
