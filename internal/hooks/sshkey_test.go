package hooks

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/bsdfleet/jailctl/internal/hostadapter"
)

type fakeHost struct {
	hostadapter.HostAdapter
	existingPub string // returned by the "cat ssh_host_ed25519_key.pub" probe, if any
	writes      map[string][]byte
}

func (h *fakeHost) ExecInJail(ctx context.Context, name, user string, argv []string) (hostadapter.ExecResult, error) {
	if h.existingPub == "" {
		return hostadapter.ExecResult{ExitCode: 1}, nil
	}
	return hostadapter.ExecResult{ExitCode: 0, Stdout: h.existingPub}, nil
}

func (h *fakeHost) ExecInJailStream(ctx context.Context, name, user string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if h.writes == nil {
		h.writes = map[string][]byte{}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	// argv[2] is the whole "umask && cat > path && chmod" shell command,
	// unique per call, so it doubles as a map key here.
	h.writes[argv[2]] = data
	return nil
}

func TestProvisionSSHHostKey_GeneratesWhenMissing(t *testing.T) {
	host := &fakeHost{}
	key, err := ProvisionSSHHostKey(context.Background(), host, "web")
	if err != nil {
		t.Fatalf("ProvisionSSHHostKey: %v", err)
	}
	if key == nil {
		t.Fatal("expected a non-nil public key")
	}
	if len(host.writes) != 2 {
		t.Fatalf("expected 2 writes (priv+pub), got %d: %v", len(host.writes), host.writes)
	}
}

func TestProvisionSSHHostKey_ReadsExistingKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	pubLine := ssh.MarshalAuthorizedKey(signer.PublicKey())

	host := &fakeHost{existingPub: string(pubLine)}
	key, err := ProvisionSSHHostKey(context.Background(), host, "web")
	if err != nil {
		t.Fatalf("ProvisionSSHHostKey: %v", err)
	}
	if !bytes.Equal(key.Marshal(), signer.PublicKey().Marshal()) {
		t.Fatal("expected the existing key to be returned unchanged")
	}
	if len(host.writes) != 0 {
		t.Fatalf("expected no writes when a key already exists, got %v", host.writes)
	}
}
