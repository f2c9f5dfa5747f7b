package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bsdfleet/jailctl/internal/buildplan"
	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/model"
	"github.com/bsdfleet/jailctl/internal/orchestrator"
)

// BuildCmd drives the Build Planner (spec.md §4.7) against a scratch
// jail cloned from an existing release, producing a new named release
// snapshot. Parsing and resolving the plan document is CLI-side input
// handling; running it against a scratch jail is
// internal/orchestrator's job, matching the other five lifecycle
// operations.
type BuildCmd struct {
	Jailfile string   `arg:"" help:"path to a Jailfile (imperative syntax) or a .yml/.yaml structured build document"`
	Release  string   `arg:"" help:"name of the release snapshot to produce"`
	Context  string   `short:"C" default:"." placeholder:"<dir>" help:"build context directory COPY paths are resolved against"`
	Arg      []string `short:"a" placeholder:"<NAME=VALUE>" help:"bind a build arg, repeatable"`
	DryRun   bool     `help:"print the build's steps instead of executing them"`
}

func (c *BuildCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(c.Jailfile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Jailfile, err)
	}
	var plan *model.BuildPlan
	if strings.HasSuffix(c.Jailfile, ".yml") || strings.HasSuffix(c.Jailfile, ".yaml") {
		plan, err = buildplan.ParseStructured(data)
	} else {
		plan, err = buildplan.ParseImperative(string(data))
	}
	if err != nil {
		return err
	}

	userArgs := map[string]string{}
	for _, kv := range c.Arg {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return errs.NewConfigError("unsupported", fmt.Sprintf("--arg %q must be NAME=VALUE", kv))
		}
		userArgs[k] = v
	}
	resolved, err := buildplan.Resolve(plan, userArgs)
	if err != nil {
		return err
	}

	result, err := col.orch.Build(ctx, col.cfg, resolved, c.Release, c.Context, orchestrator.Options{DryRun: c.DryRun})
	if err != nil {
		return err
	}
	if c.DryRun {
		fmt.Printf("%s:\n", c.Release)
		for _, step := range result.Plan {
			fmt.Printf("  - %s\n", step)
		}
		return nil
	}
	fmt.Printf("built release %s\n", result.Release)
	return nil
}
