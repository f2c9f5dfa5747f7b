package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
)

// PsCmd lists every jail jailctl has a runtime record for, in the
// style of the teacher's ls_cmd.go tabwriter listing.
type PsCmd struct{}

func (c *PsCmd) Run(cctx *Context) error {
	col, err := build(cctx)
	if err != nil {
		return err
	}
	recs, err := col.store.ListRuntimeRecords()
	if err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SpecName < recs[j].SpecName })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JAIL\tSTATE\tVERDICT\tLEDGER\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.SpecName, r.State, r.Verdict, len(r.Ledger), r.LastError)
	}
	return w.Flush()
}
