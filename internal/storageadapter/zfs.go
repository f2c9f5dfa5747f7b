package storageadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// ZFSAdapter shells out to zfs(8). Dataset paths are full ZFS dataset
// names (pool/dataset_root/<name>), already composed by the caller
// (internal/orchestrator derives them from GlobalConfig.Pool and
// GlobalConfig.DatasetRoot; a Jail Spec's explicit path is never used
// as a dataset name).
type ZFSAdapter struct {
	ctx context.Context
}

func NewZFSAdapter() *ZFSAdapter {
	return &ZFSAdapter{ctx: context.Background()}
}

func zfsRun(args ...string) (string, error) {
	cmd := exec.Command("zfs", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("zfs %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (z *ZFSAdapter) Backend() string { return "cow" }

func (z *ZFSAdapter) EnsureDataset(path string) error {
	if _, err := zfsRun("list", "-H", path); err == nil {
		return nil
	}
	_, err := zfsRun("create", "-p", path)
	return err
}

func (z *ZFSAdapter) Snapshot(path, name string) error {
	_, err := zfsRun("snapshot", path+"@"+name)
	return err
}

func (z *ZFSAdapter) Clone(srcAtSnap, dst string) error {
	_, err := zfsRun("clone", "-p", srcAtSnap, dst)
	return err
}

// Destroy refuses to destroy a dataset with descendants the ledger
// didn't create (spec.md §4.3: "refuse if it has non-ledger
// descendants"). The caller is expected to pass recursive=true only for
// datasets it knows it owns exclusively (e.g. a scratch build dataset).
func (z *ZFSAdapter) Destroy(path string, recursive bool) error {
	args := []string{"destroy"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, path)
	_, err := zfsRun(args...)
	return err
}

func (z *ZFSAdapter) Send(srcAtSnap string, w io.Writer) error {
	cmd := exec.Command("zfs", "send", srcAtSnap)
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("zfs send %s: %w: %s", srcAtSnap, err, stderr.String())
	}
	return nil
}

func (z *ZFSAdapter) Receive(r io.Reader, dst string) error {
	cmd := exec.Command("zfs", "receive", dst)
	cmd.Stdin = r
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("zfs receive %s: %w: %s", dst, err, out.String())
	}
	return nil
}

func (z *ZFSAdapter) ListSnapshots(path string) ([]string, error) {
	out, err := zfsRun("list", "-H", "-t", "snapshot", "-o", "name", "-r", path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "@", 2)
		if len(parts) == 2 {
			names = append(names, parts[1])
		}
	}
	return names, nil
}
