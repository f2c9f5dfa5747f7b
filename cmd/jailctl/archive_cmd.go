package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bsdfleet/jailctl/internal/archive"
	"github.com/bsdfleet/jailctl/internal/model"
)

// ExportCmd packages a jail's rootfs (or, on the cow backend, a raw
// dataset send stream) to stdout or a file (spec.md §6.4).
type ExportCmd struct {
	Jail     string `arg:"" help:"jail to export"`
	Output   string `short:"o" placeholder:"<path>" help:"output file; stdout if omitted"`
	Cow      bool   `help:"export a raw cow send stream instead of a portable tarball (cow backend only)"`
	Snapshot string `default:"export" help:"snapshot name to freeze and send, when --cow is set"`
}

func (c *ExportCmd) Run(cctx *Context) error {
	col, err := build(cctx)
	if err != nil {
		return err
	}
	out := io.Writer(os.Stdout)
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if c.Cow {
		if col.cfg.Global.StorageBackend != model.BackendCOW {
			return fmt.Errorf("--cow requires the cow storage backend")
		}
		dataset := col.orch.DatasetPath(&col.cfg.Global, c.Jail)
		if err := col.orch.Storage.Snapshot(dataset, c.Snapshot); err != nil {
			return fmt.Errorf("snapshotting %s before export: %w", dataset, err)
		}
		return archive.ExportCOWStream(col.orch.Storage, dataset+"@"+c.Snapshot, out)
	}

	meta := archive.Meta{
		JailName:       c.Jail,
		StorageBackend: string(col.cfg.Global.StorageBackend),
		ExportedAt:     time.Now().Unix(),
	}
	if spec := col.cfg.JailByName(c.Jail); spec != nil {
		meta.Release = spec.Release
	}
	return archive.ExportTarball(out, col.orch.JailRoot(c.Jail), meta)
}

// ImportCmd is the inverse of ExportCmd: it extracts a previously
// exported stream into a new jail's rootfs or dataset.
type ImportCmd struct {
	Dest  string `arg:"" help:"name of the jail to import into"`
	Input string `short:"i" placeholder:"<path>" help:"input file; stdin if omitted"`
}

func (c *ImportCmd) Run(cctx *Context) error {
	col, err := build(cctx)
	if err != nil {
		return err
	}
	in := io.Reader(os.Stdin)
	if c.Input != "" {
		f, err := os.Open(c.Input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	destRoot := col.orch.JailRoot(c.Dest)
	destDataset := col.orch.DatasetPath(&col.cfg.Global, c.Dest)
	meta, err := archive.Import(col.orch.Storage, in, destRoot, destDataset)
	if err != nil {
		return err
	}
	if meta != nil {
		fmt.Printf("imported %s (release %s, exported %s)\n", meta.JailName, meta.Release,
			time.Unix(meta.ExportedAt, 0).Format(time.RFC3339))
	} else {
		fmt.Printf("imported %s from cow stream into %s\n", c.Dest, destDataset)
	}
	return nil
}
