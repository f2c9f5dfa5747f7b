package storageadapter

import (
	"fmt"
	"io"
	"os"

	"github.com/bsdfleet/jailctl/internal/errs"
)

// PlainAdapter implements EnsureDataset as directory creation and
// refuses every snapshot/clone/send/receive call, per spec.md §6.2.
type PlainAdapter struct{}

func NewPlainAdapter() *PlainAdapter { return &PlainAdapter{} }

func (p *PlainAdapter) Backend() string { return "plain" }

func (p *PlainAdapter) EnsureDataset(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (p *PlainAdapter) unsupported(op string) error {
	return errs.NewConfigError("unsupported", fmt.Sprintf("%s requires the cow storage backend, but storage_backend is plain", op))
}

func (p *PlainAdapter) Snapshot(path, name string) error         { return p.unsupported("snapshot") }
func (p *PlainAdapter) Clone(srcAtSnap, dst string) error        { return p.unsupported("clone") }
func (p *PlainAdapter) Send(srcAtSnap string, w io.Writer) error { return p.unsupported("send") }
func (p *PlainAdapter) Receive(r io.Reader, dst string) error    { return p.unsupported("receive") }
func (p *PlainAdapter) ListSnapshots(path string) ([]string, error) {
	return nil, p.unsupported("list-snapshots")
}

func (p *PlainAdapter) Destroy(path string, recursive bool) error {
	if recursive {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}
