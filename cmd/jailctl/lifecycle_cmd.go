package main

import (
	"context"
	"fmt"

	"github.com/bsdfleet/jailctl/internal/orchestrator"
)

// UpCmd brings jails up, in dependency order (spec.md §4.4).
type UpCmd struct {
	Jails  []string `arg:"" optional:"" help:"jails to start (and their dependencies); every jail in the fleet config if omitted"`
	DryRun bool     `help:"print the side effects up would perform instead of performing them"`
}

func (c *UpCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}
	results, err := col.orch.Up(ctx, col.cfg, jailNames(col.cfg, c.Jails), orchestrator.Options{DryRun: c.DryRun})
	if err != nil {
		return err
	}
	if c.DryRun {
		printPlan(results)
		return nil
	}
	refreshSSHAliases(col, cctx)
	printResults(results)
	return resultsToErr("up", results)
}

// DownCmd stops jails, in reverse dependency order.
type DownCmd struct {
	Jails  []string `arg:"" optional:"" help:"jails to stop (and their dependents); every jail in the fleet config if omitted"`
	DryRun bool     `help:"print the side effects down would perform instead of performing them"`
}

func (c *DownCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}
	results, err := col.orch.Down(ctx, col.cfg, jailNames(col.cfg, c.Jails), orchestrator.Options{DryRun: c.DryRun})
	if err != nil {
		return err
	}
	if c.DryRun {
		printPlan(results)
		return nil
	}
	printResults(results)
	return resultsToErr("down", results)
}

// RestartCmd is Down followed by Up over the same jail set.
type RestartCmd struct {
	Jails  []string `arg:"" optional:"" help:"jails to restart; every jail in the fleet config if omitted"`
	DryRun bool     `help:"print the side effects restart would perform instead of performing them"`
}

func (c *RestartCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}
	results, err := col.orch.Restart(ctx, col.cfg, jailNames(col.cfg, c.Jails), orchestrator.Options{DryRun: c.DryRun})
	if err != nil {
		return err
	}
	if c.DryRun {
		printPlan(results)
		return nil
	}
	printResults(results)
	return resultsToErr("restart", results)
}

// CleanupCmd forces a Failed jail back to Stopped.
type CleanupCmd struct {
	Jails []string `arg:"" optional:"" help:"jails to clean up; every jail in the fleet config if omitted"`
	Force bool     `help:"clean up even if the jail is not in the failed state, discarding a corrupted runtime record if necessary"`
}

func (c *CleanupCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}
	results, err := col.orch.Cleanup(ctx, col.cfg, jailNames(col.cfg, c.Jails), c.Force)
	if err != nil {
		return err
	}
	printResults(results)
	return resultsToErr("cleanup", results)
}

// CheckCmd validates a fleet config without mutating host state.
type CheckCmd struct{}

func (c *CheckCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}
	report, err := col.orch.Check(ctx, col.cfg)
	if err != nil {
		return err
	}
	for _, cerr := range report.ConfigErrors {
		fmt.Println(cerr)
	}
	printResults(report.Jails)
	if len(report.ConfigErrors) > 0 {
		return fmt.Errorf("check: %d config error(s), see above", len(report.ConfigErrors))
	}
	return nil
}
