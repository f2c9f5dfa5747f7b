package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/ssh"

	"github.com/bsdfleet/jailctl/internal/jailssh"
)

// SSHCmd opens an interactive shell in a jail over SSH, using the host
// key pinned during `up` (internal/hooks.ProvisionSSHHostKey +
// internal/jailssh.Manager.Pin) and an operator client key generated
// on first use and authorized into the jail's root account.
type SSHCmd struct {
	Jail string `arg:"" help:"jail to connect to"`
	User string `default:"root" help:"remote user to authenticate as"`
	Port int    `default:"22" help:"remote sshd port"`
}

func (c *SSHCmd) Run(cctx *Context) error {
	ctx := context.Background()
	col, err := build(cctx)
	if err != nil {
		return err
	}
	spec := col.cfg.JailByName(c.Jail)
	if spec == nil {
		return fmt.Errorf("no jail named %q in fleet config", c.Jail)
	}
	if spec.Network == nil || spec.Network.IPv4 == "" {
		return fmt.Errorf("jail %q has no assigned IPv4 address to connect to", c.Jail)
	}

	signer, err := loadOrCreateClientKey(cctx.ConfigDir)
	if err != nil {
		return fmt.Errorf("loading ssh client key: %w", err)
	}
	if err := authorizeClientKey(ctx, col, c.Jail, c.User, signer.PublicKey()); err != nil {
		return fmt.Errorf("authorizing client key in jail %s: %w", c.Jail, err)
	}

	addr := net.JoinHostPort(spec.Network.IPv4, strconv.Itoa(c.Port))
	client, err := col.orch.SSHKeys.Dial(ctx, c.Jail, addr, c.User, signer)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer client.Close()

	return jailssh.Shell(client, os.Stdin, os.Stdout, os.Stderr)
}

// loadOrCreateClientKey returns the operator's persistent SSH client
// key, generating one under configDir the first time jailctl ssh runs.
func loadOrCreateClientKey(configDir string) (ssh.Signer, error) {
	path := filepath.Join(configDir, "id_ed25519")
	data, err := os.ReadFile(path)
	if err == nil {
		return ssh.ParsePrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, err
	}
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pemBlock.Bytes, 0o600); err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privKey)
}

// authorizeClientKey appends pub to the jail's root authorized_keys
// file if it is not already present, so a freshly generated operator
// key works on the very first connection. The key is piped in over
// stdin rather than interpolated into the script, so it never passes
// through shell quoting.
func authorizeClientKey(ctx context.Context, col *collaborators, jail, user string, pub ssh.PublicKey) error {
	line := string(bytes.TrimRight(ssh.MarshalAuthorizedKey(pub), "\n"))
	script := fmt.Sprintf(
		`mkdir -p ~%s/.ssh && chmod 700 ~%s/.ssh && touch ~%s/.ssh/authorized_keys && key=$(cat) && (grep -qxF "$key" ~%s/.ssh/authorized_keys || echo "$key" >> ~%s/.ssh/authorized_keys) && chmod 600 ~%s/.ssh/authorized_keys`,
		user, user, user, user, user, user)

	var stdout, stderr bytes.Buffer
	if err := col.orch.Host.ExecInJailStream(ctx, jail, "root", []string{"/bin/sh", "-c", script}, bytes.NewReader([]byte(line)), &stdout, &stderr); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}
