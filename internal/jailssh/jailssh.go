// Package jailssh backs `jailctl ssh` (spec.md §6.5): a thin manager
// around a per-operator known_hosts file that pins each jail's real
// ed25519 host key (as provisioned by internal/hooks.ProvisionSSHHostKey)
// so that repeat connections never hit TOFU prompts, plus a Dial/Shell
// pair built directly on golang.org/x/crypto/ssh.
//
// Adapted from the teacher's sshimmer package: that package's
// known_hosts bookkeeping and SafeWriteFile pattern survive here, its
// certificate-authority machinery does not, because jailctl provisions
// a real host key per jail rather than signing ephemeral ones.
package jailssh

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Manager owns the local known_hosts file used to pin jail host keys.
type Manager struct {
	knownHostsPath string
}

// NewManager returns a Manager rooted at configDir (typically
// ~/.config/jailctl), creating the directory if it does not exist.
func NewManager(configDir string) (*Manager, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", configDir, err)
	}
	return &Manager{knownHostsPath: filepath.Join(configDir, "known_hosts")}, nil
}

// Pin records jailName's host public key (as returned by sshd's
// authorized_keys-format marshaling) in known_hosts, replacing any
// previous entry for the same jail so a rebuilt jail's new key is
// trusted without a stale duplicate lingering.
func (m *Manager) Pin(jailName string, hostPubKey ssh.PublicKey) error {
	line := strings.TrimSpace(jailName + " " + string(ssh.MarshalAuthorizedKey(hostPubKey)))

	var kept []string
	if existing, err := os.ReadFile(m.knownHostsPath); err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(existing))
		for scanner.Scan() {
			l := scanner.Text()
			if strings.HasPrefix(l, jailName+" ") {
				continue
			}
			kept = append(kept, l)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading known_hosts: %w", err)
	}
	kept = append(kept, line)

	return safeWriteFile(m.knownHostsPath, []byte(strings.Join(kept, "\n")+"\n"), 0o644)
}

func (m *Manager) lookup(jailName string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(m.knownHostsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no pinned host key for %s, run `jailctl up` first", jailName)
		}
		return nil, fmt.Errorf("reading known_hosts: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 1 || fields[0] != jailName {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, jailName))
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(rest))
		if err != nil {
			return nil, fmt.Errorf("parsing pinned key for %s: %w", jailName, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("no pinned host key for %s, run `jailctl up` first", jailName)
}

// Dial opens an SSH connection to addr (host:port), authenticating as
// user via the given signer and verifying the server's host key
// against the pin recorded for jailName.
func (m *Manager) Dial(ctx context.Context, jailName, addr, user string, signer ssh.Signer) (*ssh.Client, error) {
	pinned, err := m.lookup(jailName)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if !bytes.Equal(key.Marshal(), pinned.Marshal()) {
				return fmt.Errorf("host key for %s does not match pinned key: possible jail rebuild without re-provisioning", jailName)
			}
			return nil
		},
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Shell runs an interactive login shell over client, wiring the local
// terminal's raw mode and window size into the remote PTY for the
// duration of the session (the teacher's apple-container sandboxes
// instead exec a subprocess directly; a jail reached over the network
// has to go through a real PTY request on the SSH channel instead).
func Shell(client *ssh.Client, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	session.Stdin, session.Stdout, session.Stderr = stdin, stdout, stderr

	fd := int(os.Stdin.Fd())
	width, height := 80, 24
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			width, height = w, h
		}
		state, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, state)
		}
	}

	modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
	if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
		return fmt.Errorf("requesting pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	return session.Wait()
}

// safeWriteFile writes via a temp file + rename, matching the write
// discipline the teacher's sshimmer package uses for its own
// known_hosts/ssh_config files.
func safeWriteFile(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return os.Chmod(name, perm)
}
