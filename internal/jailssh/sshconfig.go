package jailssh

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// JailAlias is one jail's connection details for the managed ssh_config
// snippet WriteConfig renders.
type JailAlias struct {
	Name string
	IPv4 string
	User string
}

// EnsureInclude makes sure homeSSHConfig (typically ~/.ssh/config)
// includes managedConfigPath, inserting the Include line above the
// first Host block if one is missing, adapted from the teacher's
// sshimmer.CheckForIncludeWithFS/modifySSHConfig pair — same
// insert-at-top-if-absent logic, generalized to take its paths as
// arguments instead of hardcoding a single tool's config directory.
func EnsureInclude(homeSSHConfig, managedConfigPath string) error {
	includeLine := "Include " + managedConfigPath

	existing, err := os.ReadFile(homeSSHConfig)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(homeSSHConfig), 0o700); err != nil {
				return err
			}
			return safeWriteFile(homeSSHConfig, []byte(includeLine+"\n"), 0o644)
		}
		return fmt.Errorf("reading %s: %w", homeSSHConfig, err)
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(existing))
	if err != nil {
		return fmt.Errorf("decoding %s: %w", homeSSHConfig, err)
	}

	for _, host := range cfg.Hosts {
		for _, node := range host.Nodes {
			if inc, ok := node.(*ssh_config.Include); ok && strings.TrimSpace(inc.String()) == includeLine {
				return nil
			}
		}
	}

	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", homeSSHConfig, err)
	}
	cfgBytes = append([]byte(includeLine+"\n"), cfgBytes...)
	return safeWriteFile(homeSSHConfig, cfgBytes, 0o644)
}

// WriteConfig renders a managed ssh_config snippet with one Host block
// per jail alias, so `ssh <jailname>` works directly without going
// through `jailctl ssh`, pointed at the same identity and known_hosts
// files internal/jailssh itself uses.
func WriteConfig(path, identityPath, knownHostsPath string, aliases []JailAlias) error {
	cfg := &ssh_config.Config{}
	for _, a := range aliases {
		pattern, err := ssh_config.NewPattern(a.Name)
		if err != nil {
			return fmt.Errorf("building host pattern for %s: %w", a.Name, err)
		}
		cfg.Hosts = append(cfg.Hosts, &ssh_config.Host{
			Patterns: []*ssh_config.Pattern{pattern},
			Nodes: []ssh_config.Node{
				&ssh_config.KV{Key: "HostName", Value: a.IPv4},
				&ssh_config.KV{Key: "User", Value: a.User},
				&ssh_config.KV{Key: "IdentityFile", Value: identityPath},
				&ssh_config.KV{Key: "UserKnownHostsFile", Value: knownHostsPath},
				&ssh_config.KV{Key: "StrictHostKeyChecking", Value: "yes"},
			},
		})
	}

	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("marshaling managed ssh_config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return safeWriteFile(path, cfgBytes, 0o644)
}
