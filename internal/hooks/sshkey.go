// Package hooks provides built-in hook helpers beyond the plain
// command-string Hook Spec: reusable behaviors that internal/orchestrator
// can attach to a jail's pre_start phase without the fleet author
// having to script them by hand.
package hooks

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/bsdfleet/jailctl/internal/hostadapter"
)

// ProvisionSSHHostKey generates an ed25519 host key pair and writes it
// into jailName's /etc/ssh/ssh_host_ed25519_key(.pub) if one does not
// already exist, adapted from the teacher's
// createKeyPairIfMissing/genHostKeyPair pair: generate once, leave an
// existing key alone so repeated `up` calls don't rotate a key an
// operator has already distributed. It returns the host's public key
// (freshly generated, or read back from the jail if already
// provisioned) so a caller can pin it in internal/jailssh.
func ProvisionSSHHostKey(ctx context.Context, host hostadapter.HostAdapter, jailName string) (ssh.PublicKey, error) {
	res, err := host.ExecInJail(ctx, jailName, "root", []string{"/bin/sh", "-c", "cat /etc/ssh/ssh_host_ed25519_key.pub"})
	if err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "" {
		key, _, _, _, perr := ssh.ParseAuthorizedKey([]byte(res.Stdout))
		if perr != nil {
			return nil, fmt.Errorf("parsing existing host key for %s: %w", jailName, perr)
		}
		return key, nil
	}

	priv, pub, err := genHostKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating ssh host key: %w", err)
	}

	writeKey := func(path string, data []byte, mode string) error {
		cmd := fmt.Sprintf("umask 077 && cat > %s && chmod %s %s", path, mode, path)
		var stdout, stderr bytes.Buffer
		if err := host.ExecInJailStream(ctx, jailName, "root", []string{"/bin/sh", "-c", cmd}, bytes.NewReader(data), &stdout, &stderr); err != nil {
			return fmt.Errorf("writing %s: %w: %s", path, err, stderr.String())
		}
		return nil
	}

	if err := writeKey("/etc/ssh/ssh_host_ed25519_key", priv, "600"); err != nil {
		return nil, err
	}
	if err := writeKey("/etc/ssh/ssh_host_ed25519_key.pub", pub, "644"); err != nil {
		return nil, err
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly written host key for %s: %w", jailName, err)
	}
	return key, nil
}

// genHostKeyPair generates an ed25519 key pair and renders both halves
// in OpenSSH wire format.
func genHostKeyPair() (priv []byte, pub []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, nil, err
	}
	pubLine := ssh.MarshalAuthorizedKey(signer.PublicKey())
	_ = pubKey
	return pemBlock.Bytes, pubLine, nil
}
