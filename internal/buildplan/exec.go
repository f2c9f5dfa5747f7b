package buildplan

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/hostadapter"
	"github.com/bsdfleet/jailctl/internal/ledger"
	"github.com/bsdfleet/jailctl/internal/storageadapter"
)

// Target bundles what Execute needs to know about the scratch jail a
// resolved plan runs against.
type Target struct {
	JailName    string // scratch jail, already created from BaseRelease
	RootPath    string // host path to the jail's root, for COPY
	DatasetPath string // storage dataset backing RootPath, for the final snapshot
	ContextDir  string // host directory COPY src paths are relative to
}

// Execute runs every step of a resolved plan against target in order:
// RUN executes inside the scratch jail, COPY copies from ContextDir
// into the jail's root, ENV/WORKDIR accumulate shell state carried
// into subsequent RUN steps. ARG steps are skipped (Resolve has already
// substituted their values; they are not exported to RUN). Metadata-only
// steps (EXPOSE, CMD, METADATA) do not touch the host. On the first failing step, every
// ledger entry acquired so far is unwound in reverse order (spec.md §8
// invariant 3/4) and a BuildError naming the failing step is returned —
// no later step runs. On success it snapshots the scratch dataset under
// releaseName and returns that name as the new base release.
func Execute(ctx context.Context, resolved *ResolvedPlan, target Target, adapter hostadapter.HostAdapter, storage storageadapter.StorageAdapter, ledg *ledger.Ledger, releaseName string) (string, error) {
	var env []string // "KEY=VALUE", in declaration order
	workdir := ""

	for _, step := range resolved.Steps {
		switch step.Kind {
		case "arg", "expose", "cmd", "metadata":
			continue

		case "env":
			env = append(env, fmt.Sprintf("%s=%s", step.Key, step.Value))

		case "workdir":
			workdir = step.Path

		case "copy":
			if err := copyTree(target.ContextDir, target.RootPath, step.Src, step.Dest); err != nil {
				ledg.UndoAll(ctx)
				return "", errs.WrapBuildError("copy "+step.Src, err)
			}

		case "run":
			argv := shellCommand(step.Cmd, workdir, env)
			res, err := adapter.ExecInJail(ctx, target.JailName, "root", argv)
			if err != nil {
				ledg.UndoAll(ctx)
				return "", errs.WrapBuildError("run: "+step.Cmd, err)
			}
			if res.ExitCode != 0 {
				ledg.UndoAll(ctx)
				return "", errs.NewBuildError("run: "+step.Cmd,
					fmt.Sprintf("exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
			}

		default:
			ledg.UndoAll(ctx)
			return "", errs.NewBuildError("execute", fmt.Sprintf("unhandled build step kind %q", step.Kind))
		}
	}

	if err := storage.Snapshot(target.DatasetPath, releaseName); err != nil {
		ledg.UndoAll(ctx)
		return "", fmt.Errorf("snapshotting build output: %w", err)
	}
	return releaseName, nil
}

// shellCommand wraps cmd in a POSIX shell invocation carrying the
// accumulated ENV exports and an optional WORKDIR cd, since
// HostAdapter.ExecInJail takes an argv rather than a shell string.
func shellCommand(cmd, workdir string, env []string) []string {
	var b strings.Builder
	for _, kv := range env {
		fmt.Fprintf(&b, "export %s; ", shellQuoteAssignment(kv))
	}
	if workdir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(workdir))
	}
	b.WriteString(cmd)
	return []string{"/bin/sh", "-c", b.String()}
}

func shellQuoteAssignment(kv string) string {
	k, v, _ := strings.Cut(kv, "=")
	return k + "=" + shellQuote(v)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// copyTree copies srcRel (relative to contextDir) into destRel
// (relative to rootPath), recursively and permission-preserving. Both
// relative paths are resolved and checked against their base directory
// before any filesystem write, so a build instruction cannot reach
// outside either the build context or the jail root via "..".
func copyTree(contextDir, rootPath, srcRel, destRel string) error {
	src, err := confinedJoin(contextDir, srcRel)
	if err != nil {
		return fmt.Errorf("src: %w", err)
	}
	dest, err := confinedJoin(rootPath, destRel)
	if err != nil {
		return fmt.Errorf("dest: %w", err)
	}

	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dest, info)
	}
	return filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode().Perm())
		}
		return copyFile(p, target, fi)
	})
}

func confinedJoin(base, rel string) (string, error) {
	joined := filepath.Join(base, rel)
	cleanBase := filepath.Clean(base)
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", errs.NewBuildError("copy", fmt.Sprintf("path %q escapes its base directory", rel))
	}
	return joined, nil
}

func copyFile(src, dest string, info os.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
