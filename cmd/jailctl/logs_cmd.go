package main

import (
	"context"
	"fmt"
	"time"
)

// LogsCmd tails the event journal (spec.md §6.3's ledger-undo and
// health-verdict history side-channel).
type LogsCmd struct {
	Jail  string `arg:"" optional:"" help:"jail to show events for; every jail if omitted"`
	Limit int    `default:"50" help:"maximum number of events to show, most recent first"`
}

func (c *LogsCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}
	events, err := col.events.Tail(ctx, c.Jail, c.Limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		when := time.Unix(e.CreatedAt, 0).Format(time.RFC3339)
		if e.Err != "" {
			fmt.Printf("%s  %s  %s  %s  error=%s\n", when, e.Jail, e.Kind, e.Detail, e.Err)
		} else {
			fmt.Printf("%s  %s  %s  %s\n", when, e.Jail, e.Kind, e.Detail)
		}
	}
	return nil
}
