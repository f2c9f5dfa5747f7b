// Package orchestrator implements the Lifecycle Orchestrator (spec.md
// §4.4): Up, Down, Restart, Cleanup, Check, and Build over a Fleet
// Config, driving each jail's Jail State Machine and Resource Ledger
// while respecting the dependency graph's ordering and a
// bounded-parallel fan-out within each rank.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/bsdfleet/jailctl/internal/buildplan"
	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/eventlog"
	"github.com/bsdfleet/jailctl/internal/graph"
	"github.com/bsdfleet/jailctl/internal/hooks"
	"github.com/bsdfleet/jailctl/internal/hostadapter"
	"github.com/bsdfleet/jailctl/internal/jailssh"
	"github.com/bsdfleet/jailctl/internal/ledger"
	"github.com/bsdfleet/jailctl/internal/model"
	"github.com/bsdfleet/jailctl/internal/netplan"
	"github.com/bsdfleet/jailctl/internal/statemachine"
	"github.com/bsdfleet/jailctl/internal/statestore"
	"github.com/bsdfleet/jailctl/internal/storageadapter"
)

var tracer = otel.Tracer("github.com/bsdfleet/jailctl/internal/orchestrator")

// Orchestrator wires the core packages to the outer collaborators.
// One Orchestrator serves a whole Fleet Config; it holds no per-jail
// state of its own beyond the max-parallel cap, everything durable
// lives in Store.
type Orchestrator struct {
	Host    hostadapter.HostAdapter
	Storage storageadapter.StorageAdapter
	Net     *netplan.Planner
	Store   *statestore.Store
	Events  *eventlog.Log // optional, nil disables journaling

	// SSHKeys, if set, pins a freshly-provisioned jail's SSH host key
	// so `jailctl ssh` never hits a TOFU prompt. Nil disables SSH host
	// key provisioning entirely.
	SSHKeys *jailssh.Manager

	MaxParallel int
}

// Result is one jail's outcome from a fleet-wide operation. Plan is
// only populated when the operation ran with Options.DryRun set, in
// which case State and Err are always zero: dry-run never touches
// host or storage state, so there is nothing to report but the plan.
type Result struct {
	Jail  string
	State model.State
	Err   error
	Plan  []string
}

// Options configures Up, Down, Restart, and Build (spec.md §4.4).
type Options struct {
	// DryRun, when set, returns an ordered list of the side-effect
	// descriptions the operation would perform instead of performing
	// them.
	DryRun bool
}

func (o *Orchestrator) datasetPath(cfg *model.GlobalConfig, jailName string) string {
	return path.Join(cfg.Pool, cfg.DatasetRoot, "jails", jailName)
}

func (o *Orchestrator) releaseSnapshot(cfg *model.GlobalConfig, release string) string {
	return path.Join(cfg.Pool, cfg.DatasetRoot, "releases", release) + "@frozen"
}

func (o *Orchestrator) jailRoot(jailName string) string {
	return o.Store.JailDir(jailName)
}

// DatasetPath, ReleaseSnapshot, and JailRoot expose the same path
// derivation the orchestrator uses internally, so callers outside this
// package (cmd/jailctl's snapshot/clone/export/import subcommands)
// don't have to re-derive it themselves.
func (o *Orchestrator) DatasetPath(cfg *model.GlobalConfig, jailName string) string {
	return o.datasetPath(cfg, jailName)
}

func (o *Orchestrator) ReleaseSnapshot(cfg *model.GlobalConfig, release string) string {
	return o.releaseSnapshot(cfg, release)
}

func (o *Orchestrator) JailRoot(jailName string) string {
	return o.jailRoot(jailName)
}

// concurrency returns the configured fan-out cap, defaulting to 4 when
// unset (spec.md §4.4: "0 means auto").
func (o *Orchestrator) concurrency() int {
	if o.MaxParallel > 0 {
		return o.MaxParallel
	}
	return 4
}

func (o *Orchestrator) now() int64 { return time.Now().Unix() }

// runRanked runs fn over each rank of names (as produced by g.Ranks),
// bounding concurrency within a rank to concurrency() and running ranks
// strictly in sequence, since a later rank's jails may depend on an
// earlier rank's jails having finished.
func (o *Orchestrator) runRanked(ctx context.Context, ranks [][]string, fn func(ctx context.Context, name string) error) []Result {
	var results []Result
	for _, rank := range ranks {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(o.concurrency())
		rankResults := make([]Result, len(rank))
		for i, name := range rank {
			i, name := i, name
			eg.Go(func() error {
				rankResults[i] = Result{Jail: name, Err: fn(egCtx, name)}
				return nil // collect per-jail errors in Result, don't abort the group
			})
		}
		_ = eg.Wait()
		results = append(results, rankResults...)
	}
	return results
}

// Up brings every jail in names (plus their transitive dependencies)
// to Running, in dependency order, fanning out within each rank
// (spec.md §4.4, §8 invariants 1/2). With opts.DryRun it returns the
// same dependency-ordered jail set with each Result's Plan describing
// what Up would do, without acquiring any resource.
func (o *Orchestrator) Up(ctx context.Context, cfg *model.FleetConfig, names []string, opts Options) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Up")
	defer span.End()

	g := graph.New(cfg)
	ranks, err := g.Ranks(names)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		var results []Result
		for _, rank := range ranks {
			for _, name := range rank {
				results = append(results, Result{Jail: name, Plan: o.planUpOne(cfg, name)})
			}
		}
		return results, nil
	}
	return o.runRanked(ctx, ranks, func(ctx context.Context, name string) error {
		return o.upOne(ctx, cfg, name)
	}), nil
}

// planUpOne describes, in acquireResources' own order, the side
// effects a real Up would perform for name without performing any of
// them.
func (o *Orchestrator) planUpOne(cfg *model.FleetConfig, name string) []string {
	spec := cfg.JailByName(name)
	if spec == nil {
		return []string{fmt.Sprintf("error: %s is not in the fleet config", name)}
	}

	var steps []string
	datasetPath := o.datasetPath(&cfg.Global, name)
	jailRoot := o.jailRoot(name)
	if cfg.Global.StorageBackend == model.BackendCOW {
		steps = append(steps, fmt.Sprintf("clone %s to %s", o.releaseSnapshot(&cfg.Global, spec.Release), datasetPath))
	} else {
		steps = append(steps, fmt.Sprintf("ensure dataset %s", jailRoot))
	}

	if spec.Network != nil && spec.Network.VNet {
		steps = append(steps, "allocate an epair and attach it to bridge "+spec.Network.Bridge)
		for _, port := range spec.Ports {
			steps = append(steps, fmt.Sprintf("load pf anchor rule for %s port %d -> %d", port.Protocol, port.HostPort, port.InternalPort))
		}
	}

	steps = append(steps, fmt.Sprintf("create jail %s rooted at %s", name, jailRoot))
	if spec.Network != nil && spec.Network.VNet {
		steps = append(steps, "set the jail interface's ipv4 address and mac")
	}
	if o.SSHKeys != nil {
		steps = append(steps, "provision and pin an ssh host key")
	}
	for _, h := range spec.Hooks {
		if h.Phase == model.PhasePreStart {
			steps = append(steps, fmt.Sprintf("run pre_start hook: %s", h.Command))
		}
	}
	return steps
}

// upOne starts a single jail. It is a no-op if the jail is already
// Running (spec.md §4.4 idempotence). A Failed jail refuses to start
// again until Cleanup has returned it to Stopped.
func (o *Orchestrator) upOne(ctx context.Context, cfg *model.FleetConfig, name string) error {
	spec := cfg.JailByName(name)
	if spec == nil {
		return errs.NewConfigError("unknown-jail", "no such jail in fleet config", name)
	}
	if spec.Path != "" && spec.Path != o.jailRoot(name) {
		return errs.NewConfigError("path-mismatch",
			fmt.Sprintf("explicit path %s does not match data_dir-derived path %s", spec.Path, o.jailRoot(name)), name)
	}
	rec, err := o.Store.LoadRuntimeRecord(name)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &model.RuntimeRecord{SpecName: name, State: model.StateStopped}
	}
	switch rec.State {
	case model.StateRunning:
		return nil // idempotent
	case model.StateFailed:
		return errs.NewStateError(name, "jail is in failed state, run cleanup before up")
	case model.StateStarting, model.StateStopping, model.StateDegraded:
		return errs.NewStateError(name, fmt.Sprintf("jail is %s, cannot start concurrently", rec.State))
	}

	next, err := statemachine.Next(name, rec.State, statemachine.TriggerUp)
	if err != nil {
		return err
	}
	rec.State = next
	if err := o.Store.SaveRuntimeRecord(rec); err != nil {
		return err
	}

	l := ledger.New(name)
	if err := o.acquireResources(ctx, cfg, spec, l, rec); err != nil {
		undoResults := l.UndoAll(ctx)
		o.journalUndo(ctx, name, undoResults)
		rec.Ledger = entriesToModel(l.Entries())
		rec.LastError = err.Error()
		failed, ferr := statemachine.Next(name, rec.State, statemachine.TriggerStepFailed)
		if ferr == nil {
			rec.State = failed
		}
		_ = o.Store.SaveRuntimeRecord(rec)
		return err
	}

	running, err := statemachine.Next(name, rec.State, statemachine.TriggerResourcesAcquired)
	if err != nil {
		return err
	}
	rec.State = running
	rec.Ledger = entriesToModel(l.Entries())
	rec.LastError = ""
	rec.Verdict = model.VerdictUnknown
	return o.Store.SaveRuntimeRecord(rec)
}

// acquireResources runs every side-effecting step needed to bring spec
// up, appending an undo to l immediately after each successful
// acquisition (spec.md §4.3: "ledger entries are appended in creation
// order, immediately on success").
func (o *Orchestrator) acquireResources(ctx context.Context, cfg *model.FleetConfig, spec *model.JailSpec, l *ledger.Ledger, rec *model.RuntimeRecord) error {
	datasetPath := o.datasetPath(&cfg.Global, spec.Name)
	jailRoot := o.jailRoot(spec.Name)

	if cfg.Global.StorageBackend == model.BackendCOW {
		release := spec.Release
		if err := hostadapter.WithRetry(ctx, func(ctx context.Context) error {
			return o.Storage.Clone(o.releaseSnapshot(&cfg.Global, release), datasetPath)
		}); err != nil {
			return errs.NewResourceError("clone-dataset", true, err)
		}
		l.Append(string(model.KindClone), datasetPath, func(ctx context.Context, id string) error {
			return o.Storage.Destroy(id, true)
		})
	} else {
		if err := o.Storage.EnsureDataset(jailRoot); err != nil {
			return errs.NewResourceError("ensure-dataset", true, err)
		}
		l.Append(string(model.KindDataset), jailRoot, func(ctx context.Context, id string) error {
			return o.Storage.Destroy(id, true)
		})
	}

	var netCfg *hostadapter.NetworkConfig
	if spec.Network != nil && spec.Network.VNet {
		hostSide, jailSide, err := o.Net.AllocateEpair(ctx)
		if err != nil {
			return errs.NewResourceError("allocate-epair", true, err)
		}
		l.Append(string(model.KindInterfacePair), hostSide, func(ctx context.Context, id string) error {
			return o.Host.DestroyInterface(ctx, id)
		})

		if err := o.Host.AttachToBridge(ctx, spec.Network.Bridge, hostSide); err != nil {
			return errs.NewResourceError("attach-bridge", true, err)
		}
		// Identifier packs bridge+iface ("bridge|iface") since
		// model.LedgerEntry carries no side-channel for extra undo
		// context and DetachFromBridge needs both.
		l.Append(string(model.KindBridgeMember), spec.Network.Bridge+"|"+hostSide, func(ctx context.Context, id string) error {
			bridge, iface, _ := strings.Cut(id, "|")
			return o.Host.DetachFromBridge(ctx, bridge, iface)
		})

		mac := netplan.DeriveMAC(spec.Name, spec.Network.Bridge, spec.Network.MAC)
		netCfg = &hostadapter.NetworkConfig{
			VNet: true, Interface: jailSide, IPv4: spec.Network.IPv4,
			Gateway: spec.Network.Gateway, MAC: mac, Nameservers: spec.Network.Nameservers,
		}

		for _, port := range spec.Ports {
			ruleID, rule := o.Net.AnchorRule(spec.Name, spec.Network.IPv4, port)
			if err := o.Host.PFAnchorLoad(ctx, netplan.AnchorName, []string{rule}); err != nil {
				return errs.NewResourceError("pf-anchor-load", true, err)
			}
			l.Append(string(model.KindPFAnchorRule), ruleID, func(ctx context.Context, id string) error {
				return o.Host.PFAnchorUnload(ctx, netplan.AnchorName)
			})
		}
	}

	if err := hostadapter.WithRetry(ctx, func(ctx context.Context) error {
		return o.Host.CreateVnetJail(ctx, spec.Name, jailRoot, spec.Hostname, netCfg)
	}); err != nil {
		return errs.NewResourceError("create-jail", false, err)
	}
	l.Append(string(model.KindJailInstance), spec.Name, func(ctx context.Context, id string) error {
		return o.Host.StopJail(ctx, id)
	})

	if netCfg != nil {
		if err := o.Host.SetIPv4(ctx, netCfg.Interface, netCfg.IPv4, netCfg.Gateway); err != nil {
			return errs.NewResourceError("set-ipv4", false, err)
		}
		if err := o.Host.SetMAC(ctx, netCfg.Interface, netCfg.MAC); err != nil {
			return errs.NewResourceError("set-mac", false, err)
		}
	}

	if o.SSHKeys != nil {
		if key, err := hooks.ProvisionSSHHostKey(ctx, o.Host, spec.Name); err != nil {
			slog.WarnContext(ctx, "provisioning ssh host key failed, jailctl ssh will not work for this jail", "jail", spec.Name, "error", err)
		} else if err := o.SSHKeys.Pin(spec.Name, key); err != nil {
			slog.WarnContext(ctx, "pinning ssh host key failed", "jail", spec.Name, "error", err)
		}
	}

	return o.runHooks(ctx, spec, model.PhasePreStart)
}

// runHooks runs every hook at phase, in declaration order. A
// continue-on-failure hook logs and proceeds; an abort-on-failure hook
// returns immediately, which for pre_start triggers full rollback via
// upOne's ledger unwind. Up runs pre_start hooks only; no code path
// runs post_start hooks.
func (o *Orchestrator) runHooks(ctx context.Context, spec *model.JailSpec, phase model.HookPhase) error {
	for _, h := range spec.Hooks {
		if h.Phase != phase {
			continue
		}
		var execErr error
		if h.Target == model.TargetHost {
			_, execErr = hostRun(ctx, h.Command)
		} else {
			res, err := o.Host.ExecInJail(ctx, spec.Name, "root", []string{"/bin/sh", "-c", h.Command})
			execErr = err
			if err == nil && res.ExitCode != 0 {
				execErr = fmt.Errorf("hook %q exited %d: %s", h.Command, res.ExitCode, res.Stderr)
			}
		}
		if execErr != nil {
			if h.OnFailure == model.OnFailureAbort {
				return fmt.Errorf("%s hook failed: %w", phase, execErr)
			}
			slog.WarnContext(ctx, "hook failed, continuing", "jail", spec.Name, "phase", phase, "error", execErr)
		}
	}
	return nil
}

// Down stops every jail in names (plus their transitive dependents) in
// reverse dependency order. With opts.DryRun it returns the same order
// with each Result's Plan describing what Down would release, without
// stopping anything or unwinding any ledger entry.
func (o *Orchestrator) Down(ctx context.Context, cfg *model.FleetConfig, names []string, opts Options) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Down")
	defer span.End()

	g := graph.New(cfg)
	order, err := g.TopoStop(names)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, name := range order {
		if opts.DryRun {
			results = append(results, Result{Jail: name, Plan: o.planDownOne(cfg, name)})
			continue
		}
		results = append(results, Result{Jail: name, Err: o.downOne(ctx, cfg, name)})
	}
	return results, nil
}

// planDownOne describes, in downOne's own order, the side effects a
// real Down would perform for name without performing any of them.
func (o *Orchestrator) planDownOne(cfg *model.FleetConfig, name string) []string {
	spec := cfg.JailByName(name)
	var steps []string
	if spec != nil {
		for _, h := range spec.Hooks {
			if h.Phase == model.PhasePreStop {
				steps = append(steps, fmt.Sprintf("run pre_stop hook: %s", h.Command))
			}
		}
	}

	rec, err := o.Store.LoadRuntimeRecord(name)
	if err != nil {
		return append(steps, fmt.Sprintf("error: loading runtime record for %s: %v", name, err))
	}
	if rec == nil || rec.State == model.StateStopped {
		return append(steps, fmt.Sprintf("%s is already stopped, nothing to do", name))
	}

	steps = append(steps, fmt.Sprintf("stop jail %s", name))
	for i := len(rec.Ledger) - 1; i >= 0; i-- {
		e := rec.Ledger[i]
		steps = append(steps, fmt.Sprintf("release %s %s", e.Kind, e.Identifier))
	}
	if spec != nil {
		for _, h := range spec.Hooks {
			if h.Phase == model.PhasePostStop {
				steps = append(steps, fmt.Sprintf("run post_stop hook: %s", h.Command))
			}
		}
	}
	return steps
}

func (o *Orchestrator) downOne(ctx context.Context, cfg *model.FleetConfig, name string) error {
	spec := cfg.JailByName(name)
	rec, err := o.Store.LoadRuntimeRecord(name)
	if err != nil {
		return err
	}
	if rec == nil || rec.State == model.StateStopped {
		return nil // idempotent
	}

	stopping, err := statemachine.Next(name, rec.State, statemachine.TriggerDown)
	if err != nil {
		return err
	}
	rec.State = stopping
	if err := o.Store.SaveRuntimeRecord(rec); err != nil {
		return err
	}

	if spec != nil {
		if hookErr := o.runHooks(ctx, spec, model.PhasePreStop); hookErr != nil {
			slogWarnHook(ctx, name, hookErr)
		}
	}

	l := rebuildLedger(o, rec)
	undoResults := l.UndoAll(ctx)
	o.journalUndo(ctx, name, undoResults)
	rec.Ledger = entriesToModel(l.Entries())

	if l.Len() > 0 {
		failed, ferr := statemachine.Next(name, rec.State, statemachine.TriggerReleaseFailed)
		if ferr == nil {
			rec.State = failed
		}
		rec.LastError = "one or more resources failed to release, see logs"
		return o.Store.SaveRuntimeRecord(rec)
	}

	stopped, err := statemachine.Next(name, rec.State, statemachine.TriggerReleased)
	if err != nil {
		return err
	}
	rec.State = stopped
	rec.LastError = ""
	rec.Verdict = model.VerdictUnknown
	if err := o.Store.SaveRuntimeRecord(rec); err != nil {
		return err
	}
	if spec != nil {
		_ = o.runHooks(ctx, spec, model.PhasePostStop)
	}
	return nil
}

// Restart is Down followed by Up over the same name set, short of a
// single combined ledger: each half persists its own state so a crash
// mid-restart leaves an accurate, resumable record. With opts.DryRun
// it returns Down's plan followed by Up's plan, and neither half runs.
func (o *Orchestrator) Restart(ctx context.Context, cfg *model.FleetConfig, names []string, opts Options) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Restart")
	defer span.End()

	downResults, err := o.Down(ctx, cfg, names, opts)
	if err != nil {
		return nil, err
	}
	upResults, err := o.Up(ctx, cfg, names, opts)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return append(downResults, upResults...), nil
	}
	return upResults, nil
}

// Cleanup forces a Failed jail back to Stopped by re-attempting every
// outstanding ledger undo, regardless of how many times it has already
// been tried, then clears the runtime record once the ledger is empty.
func (o *Orchestrator) Cleanup(ctx context.Context, cfg *model.FleetConfig, names []string, force bool) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Cleanup")
	defer span.End()

	var results []Result
	for _, name := range names {
		results = append(results, Result{Jail: name, Err: o.cleanupOne(ctx, name, force)})
	}
	return results, nil
}

func (o *Orchestrator) cleanupOne(ctx context.Context, name string, force bool) error {
	rec, err := o.Store.LoadRuntimeRecord(name)
	if err != nil {
		if !force {
			return err
		}
		// Corrupted state file and --force: there is no ledger left to
		// trust, so the best we can do is drop the record entirely.
		return o.Store.DeleteRuntimeRecord(name)
	}
	if rec == nil {
		return nil
	}
	if rec.State != model.StateFailed && !force {
		return errs.NewStateError(name, "cleanup only applies to failed jails (use --force to override)")
	}

	l := rebuildLedger(o, rec)
	undoResults := l.UndoAll(ctx)
	o.journalUndo(ctx, name, undoResults)
	rec.Ledger = entriesToModel(l.Entries())
	if l.Len() > 0 {
		rec.LastError = "cleanup left resources outstanding, see logs"
		return o.Store.SaveRuntimeRecord(rec)
	}

	stopped, serr := statemachine.Next(name, model.StateFailed, statemachine.TriggerForceCleanup)
	if serr != nil {
		stopped = model.StateStopped // force still lands here even off-table when force is set
	}
	rec.State = stopped
	rec.LastError = ""
	rec.Ledger = nil
	return o.Store.SaveRuntimeRecord(rec)
}

// CheckReport is Check's fleet-wide output.
type CheckReport struct {
	ConfigErrors []error
	Jails        []Result
}

// Check validates the Fleet Config (cycles, port/IP conflicts,
// COW-only operations on an unsupported backend) without mutating any
// host state, then reports each known jail's last-persisted state
// (spec.md §4.4, §9 Open Question: unsupported storage operations
// surface here, not mid-Up).
func (o *Orchestrator) Check(ctx context.Context, cfg *model.FleetConfig) (*CheckReport, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Check")
	defer span.End()

	report := &CheckReport{}
	g := graph.New(cfg)
	if cyc := g.DetectCycle(); cyc != nil {
		report.ConfigErrors = append(report.ConfigErrors, errs.NewConfigError("cycle", "dependency cycle", cyc...))
	}
	if err := netplan.CheckConflicts(cfg); err != nil {
		report.ConfigErrors = append(report.ConfigErrors, err)
	}
	for _, j := range cfg.Jails {
		if cfg.Global.StorageBackend != model.BackendCOW && j.Release != "" {
			report.ConfigErrors = append(report.ConfigErrors,
				errs.NewConfigError("unsupported", "release-based jails require the cow storage backend", j.Name))
		}
		// An explicit path is authoritative (§9 Open Question): refuse
		// rather than silently prefer one over the other when it
		// disagrees with the pool/dataset_root-derived root.
		if j.Path != "" && j.Path != o.jailRoot(j.Name) {
			report.ConfigErrors = append(report.ConfigErrors,
				errs.NewConfigError("path-mismatch",
					fmt.Sprintf("explicit path %s does not match data_dir-derived path %s", j.Path, o.jailRoot(j.Name)), j.Name))
		}
	}

	for _, j := range cfg.Jails {
		rec, err := o.Store.LoadRuntimeRecord(j.Name)
		if err != nil {
			report.Jails = append(report.Jails, Result{Jail: j.Name, Err: err})
			continue
		}
		state := model.StateStopped
		if rec != nil {
			state = rec.State
		}
		report.Jails = append(report.Jails, Result{Jail: j.Name, State: state})
	}
	_ = ctx
	return report, nil
}

// BuildResult is Build's outcome: exactly one of Release (the produced
// release snapshot name) or Plan (opts.DryRun's side-effect list) is
// set.
type BuildResult struct {
	Release string
	Plan    []string
}

// Build runs a resolved Build Plan against a scratch jail cloned from
// resolved.BaseRelease, producing a new named release snapshot
// (spec.md §4.7, §8 invariant 6). The scratch jail is disposable and
// stopped directly once the plan finishes; the dataset it ran against
// is the build's actual output and stays behind as the new release.
// With opts.DryRun it returns the ordered steps a real build would
// take without cloning, creating a jail, or running anything.
func (o *Orchestrator) Build(ctx context.Context, cfg *model.FleetConfig, resolved *buildplan.ResolvedPlan, release, contextDir string, opts Options) (*BuildResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Build")
	defer span.End()

	if cfg.Global.StorageBackend != model.BackendCOW {
		return nil, errs.NewConfigError("unsupported", "build requires the cow storage backend")
	}

	global := &cfg.Global
	releaseDataset := path.Join(global.Pool, global.DatasetRoot, "releases", release)
	baseSnapshot := o.releaseSnapshot(global, resolved.BaseRelease)
	rootPath := "/" + releaseDataset // dataset mountpoint mirrors its name under the pool's own mountpoint
	scratchJail := "build-" + release

	if opts.DryRun {
		steps := []string{
			fmt.Sprintf("clone %s to %s", baseSnapshot, releaseDataset),
			fmt.Sprintf("create scratch jail %s rooted at %s", scratchJail, rootPath),
		}
		for _, step := range resolved.Steps {
			switch step.Kind {
			case "run":
				steps = append(steps, "run: "+step.Cmd)
			case "copy":
				steps = append(steps, fmt.Sprintf("copy %s to %s", step.Src, step.Dest))
			}
		}
		steps = append(steps,
			fmt.Sprintf("stop scratch jail %s", scratchJail),
			fmt.Sprintf("snapshot %s as release %s", releaseDataset, release),
		)
		return &BuildResult{Plan: steps}, nil
	}

	l := ledger.New(scratchJail)
	if err := o.Storage.Clone(baseSnapshot, releaseDataset); err != nil {
		return nil, errs.NewResourceError("clone-dataset", true, err)
	}
	l.Append(string(model.KindClone), releaseDataset, func(ctx context.Context, id string) error {
		return o.Storage.Destroy(id, true)
	})

	if err := o.Host.CreateVnetJail(ctx, scratchJail, rootPath, scratchJail, nil); err != nil {
		l.UndoAll(ctx)
		return nil, errs.NewResourceError("create-jail", false, err)
	}
	l.Append(string(model.KindJailInstance), scratchJail, func(ctx context.Context, id string) error {
		return o.Host.StopJail(ctx, id)
	})

	target := buildplan.Target{
		JailName:    scratchJail,
		RootPath:    rootPath,
		DatasetPath: releaseDataset,
		ContextDir:  contextDir,
	}
	if _, err := buildplan.Execute(ctx, resolved, target, o.Host, o.Storage, l, "frozen"); err != nil {
		return nil, err // Execute has already unwound the ledger on failure
	}

	// The scratch jail instance is disposable; the dataset it ran
	// against is the build's actual output and stays behind as the new
	// release. Stop it directly rather than through the ledger, which
	// would also destroy the dataset we just produced.
	if err := o.Host.StopJail(ctx, scratchJail); err != nil {
		slog.WarnContext(ctx, "stopping scratch build jail failed", "jail", scratchJail, "error", err)
	}

	return &BuildResult{Release: release}, nil
}

func (o *Orchestrator) journalUndo(ctx context.Context, jail string, results []ledger.UndoResult) {
	if o.Events == nil {
		return
	}
	at := o.now()
	for _, r := range results {
		_ = o.Events.RecordLedgerUndo(ctx, jail, r.Entry.Identifier, r.Err, at)
	}
}

func entriesToModel(entries []ledger.Entry) []model.LedgerEntry {
	out := make([]model.LedgerEntry, len(entries))
	for i, e := range entries {
		out[i] = model.LedgerEntry{Kind: model.ResourceKind(e.Kind), Identifier: e.Identifier}
	}
	return out
}

// rebuildLedger reconstructs an in-memory Ledger (with live Undoer
// closures) from a persisted RuntimeRecord's plain-data entries, so
// Down/Cleanup can retry undo after a process restart.
func rebuildLedger(o *Orchestrator, rec *model.RuntimeRecord) *ledger.Ledger {
	l := ledger.New(rec.SpecName)
	for _, e := range rec.Ledger {
		kind := e.Kind
		id := e.Identifier
		var undo ledger.Undoer
		switch kind {
		case model.KindClone, model.KindDataset:
			undo = func(ctx context.Context, id string) error { return o.Storage.Destroy(id, true) }
		case model.KindInterfacePair:
			undo = func(ctx context.Context, id string) error { return o.Host.DestroyInterface(ctx, id) }
		case model.KindBridgeMember:
			undo = func(ctx context.Context, id string) error {
				bridge, iface, _ := strings.Cut(id, "|")
				return o.Host.DetachFromBridge(ctx, bridge, iface)
			}
		case model.KindPFAnchorRule:
			undo = func(ctx context.Context, id string) error { return o.Host.PFAnchorUnload(ctx, netplan.AnchorName) }
		case model.KindJailInstance:
			undo = func(ctx context.Context, id string) error { return o.Host.StopJail(ctx, id) }
		default:
			undo = func(ctx context.Context, id string) error { return nil }
		}
		l.Append(string(kind), id, undo)
	}
	return l
}
