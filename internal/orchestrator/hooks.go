package orchestrator

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
)

// hostRun executes a host-target hook command through the system
// shell. Unlike jail-target hooks (run via HostAdapter.ExecInJail so
// storage/test doubles can intercept them), host hooks genuinely run
// on the machine jailctl itself is on, so this shells out directly.
func hostRun(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func slogWarnHook(ctx context.Context, jail string, err error) {
	slog.WarnContext(ctx, "orchestrator: pre_stop hook failed, continuing with shutdown", "jail", jail, "error", err)
}
