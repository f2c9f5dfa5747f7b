// Package ledger implements the Resource Ledger (spec.md §4.3): an
// append-only, per-jail record of every side-effecting call made during
// Starting, undone in strict reverse order on failure. Undo errors are
// collected rather than thrown; the caller decides what that means for
// the jail's state (see internal/orchestrator).
package ledger

import (
	"context"
	"log/slog"
)

// Undoer knows how to release one kind of acquired resource. Callers
// register one per model.ResourceKind (see internal/orchestrator's
// wiring of hostadapter/storageadapter calls to undo functions).
type Undoer func(ctx context.Context, identifier string) error

// Entry mirrors model.LedgerEntry plus the Undoer captured for it: the
// ledger needs the function, not just the kind, because the same kind
// can map to different undo behavior depending on which adapter call
// created it (e.g. a clone undone with promotion vs. a plain dataset).
type Entry struct {
	Kind       string
	Identifier string
	Undo       Undoer
}

// Ledger is the append-only list for a single jail. It is not
// goroutine-safe by itself — the orchestrator holds one Ledger per
// jail and jails run independently, so no cross-jail locking is
// needed (spec.md §5).
type Ledger struct {
	jail    string
	entries []Entry
}

func New(jail string) *Ledger {
	return &Ledger{jail: jail}
}

// Append records a newly acquired resource. Call this immediately
// before or after the side-effecting call succeeds, in creation order.
func (l *Ledger) Append(kind, identifier string, undo Undoer) {
	l.entries = append(l.entries, Entry{Kind: kind, Identifier: identifier, Undo: undo})
}

// Len reports how many entries remain.
func (l *Ledger) Len() int { return len(l.entries) }

// Entries returns a defensive copy of the current entries, in creation
// order, for persistence (internal/statestore) or display (`ps`).
func (l *Ledger) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// UndoResult records what happened to one ledger entry during rollback.
type UndoResult struct {
	Entry Entry
	Err   error
}

// UndoAll undoes every entry in strict reverse order of acquisition
// (spec.md §4.3, §8 invariant 4). It does not stop at the first error:
// every entry gets an undo attempt, and entries whose undo failed are
// left in the ledger (spec.md §8 invariant 3 — "the ledger for the
// failing jail is empty iff every logged undo succeeded"). The caller
// is responsible for marking the jail Failed when len(l.entries) > 0
// after this returns.
func (l *Ledger) UndoAll(ctx context.Context) []UndoResult {
	var results []UndoResult
	var remaining []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		err := e.Undo(ctx, e.Identifier)
		results = append(results, UndoResult{Entry: e, Err: err})
		if err != nil {
			slog.ErrorContext(ctx, "ledger.UndoAll: undo failed, resource left for cleanup",
				"jail", l.jail, "kind", e.Kind, "identifier", e.Identifier, "error", err)
			remaining = append(remaining, e)
		} else {
			slog.InfoContext(ctx, "ledger.UndoAll: undo succeeded",
				"jail", l.jail, "kind", e.Kind, "identifier", e.Identifier)
		}
	}
	// remaining was built newest-to-oldest (reverse of undo order); put
	// it back in original creation order so a later UndoAll retry (from
	// `cleanup`) still undoes strictly in reverse.
	reversed := make([]Entry, len(remaining))
	for i, e := range remaining {
		reversed[len(remaining)-1-i] = e
	}
	l.entries = reversed
	return results
}

// Clear truncates the ledger. Only call this after every entry's
// resource is confirmed destroyed (spec.md §3 Lifecycles).
func (l *Ledger) Clear() {
	l.entries = nil
}
