package main

import "fmt"

// SnapshotCmd takes a named snapshot of a jail's dataset.
type SnapshotCmd struct {
	Jail string `arg:"" help:"jail to snapshot"`
	Name string `arg:"" help:"snapshot name"`
}

func (c *SnapshotCmd) Run(cctx *Context) error {
	col, err := build(cctx)
	if err != nil {
		return err
	}
	dataset := col.orch.DatasetPath(&col.cfg.Global, c.Jail)
	if err := col.orch.Storage.Snapshot(dataset, c.Name); err != nil {
		return err
	}
	fmt.Printf("snapshotted %s@%s\n", dataset, c.Name)
	return nil
}

// CloneCmd clones a release snapshot into a fresh dataset, independent
// of any jail's lifecycle — useful for inspecting a release's contents
// without running `up`.
type CloneCmd struct {
	Release string `arg:"" help:"release tag to clone from"`
	Dest    string `arg:"" help:"name of the new jail dataset to create"`
}

func (c *CloneCmd) Run(cctx *Context) error {
	col, err := build(cctx)
	if err != nil {
		return err
	}
	src := col.orch.ReleaseSnapshot(&col.cfg.Global, c.Release)
	dst := col.orch.DatasetPath(&col.cfg.Global, c.Dest)
	if err := col.orch.Storage.Clone(src, dst); err != nil {
		return err
	}
	fmt.Printf("cloned %s -> %s\n", src, dst)
	return nil
}
