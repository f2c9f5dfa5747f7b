package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bsdfleet/jailctl/internal/daemon"
	"github.com/bsdfleet/jailctl/internal/health"
)

// SuperviseCmd starts, stops, restarts, or queries the health
// supervisor daemon, mirroring the teacher's daemon_cmd.go action enum
// and restart-via-detached-respawn approach.
type SuperviseCmd struct {
	Action string `arg:"" optional:"" default:"status" enum:"start,stop,restart,status" help:"start, stop, restart, or status (default)"`
}

func (c *SuperviseCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}
	runDir := filepath.Join(col.cfg.Global.DataDir, "run")
	sup := health.New(col.orch.Host, col.orch, col.events)
	mux := daemon.NewMux(runDir, cctx.ConfigPath, sup)

	switch c.Action {
	case "start":
		return c.start(ctx, mux)
	case "stop":
		return c.stop(ctx, mux)
	case "restart":
		return c.restart(ctx, mux, cctx)
	default:
		return c.status(ctx, mux)
	}
}

func (c *SuperviseCmd) status(ctx context.Context, mux *daemon.Mux) error {
	if err := mux.Client().Ping(ctx); err != nil {
		if daemon.IsNotRunning(err) {
			fmt.Println("supervise daemon is not running")
			return nil
		}
		return err
	}
	fmt.Println("supervise daemon is running")
	statuses, err := mux.Client().Status(ctx)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		fmt.Printf("  %s: %s\n", s.Jail, s.Verdict)
	}
	return nil
}

func (c *SuperviseCmd) start(ctx context.Context, mux *daemon.Mux) error {
	if err := mux.Client().Ping(ctx); err == nil {
		fmt.Println("supervise daemon is already running")
		return nil
	}
	return mux.Serve(ctx)
}

func (c *SuperviseCmd) stop(ctx context.Context, mux *daemon.Mux) error {
	if err := mux.Client().Ping(ctx); err != nil {
		fmt.Println("supervise daemon is not running")
		return nil
	}
	if err := mux.Client().Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping supervise daemon: %w", err)
	}
	fmt.Println("supervise daemon stopped")
	return nil
}

func (c *SuperviseCmd) restart(ctx context.Context, mux *daemon.Mux, cctx *Context) error {
	if err := mux.Client().Ping(ctx); err == nil {
		if err := mux.Client().Shutdown(ctx); err != nil {
			return fmt.Errorf("stopping supervise daemon: %w", err)
		}
		fmt.Println("supervise daemon stopped")
	}

	cmd := exec.Command(os.Args[0], "--config", cctx.ConfigPath, "supervise", "start")
	cmd.Stdout, cmd.Stderr, cmd.Stdin = nil, nil, nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting supervise daemon: %w", err)
	}

	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		conn, err := net.DialTimeout("unix", mux.SocketPath, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			fmt.Println("supervise daemon restarted")
			return nil
		}
	}
	return fmt.Errorf("supervise daemon failed to come back up")
}
