package hostadapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"log/slog"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// CLIHostAdapter shells out to real BSD tooling. It serializes PF
// anchor writes behind a single mutex and bridge membership changes
// behind a per-bridge mutex, per spec.md §5 "Shared resources".
type CLIHostAdapter struct {
	pfMu      sync.Mutex
	bridgeMu  sync.Map // bridge name -> *sync.Mutex
}

func NewCLIHostAdapter() *CLIHostAdapter {
	return &CLIHostAdapter{}
}

func (a *CLIHostAdapter) bridgeLock(bridge string) *sync.Mutex {
	mu, _ := a.bridgeMu.LoadOrStore(bridge, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	slog.DebugContext(ctx, "hostadapter.run", "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", strings.Join(cmd.Args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (a *CLIHostAdapter) CreateVnetJail(ctx context.Context, jailName, path, hostname string, net *NetworkConfig) error {
	opts := JailCreateOptions{
		Name:    jailName,
		Path:    path,
		Host:    hostname,
		Persist: true,
	}
	if net != nil {
		opts.Vnet = net.VNet
		opts.IP4Addr = net.IPv4
	}
	args := append([]string{"-c"}, ToArgs(&opts)...)
	_, err := run(ctx, "jail", args...)
	return err
}

func (a *CLIHostAdapter) StopJail(ctx context.Context, jailName string) error {
	_, err := run(ctx, "jail", "-r", jailName)
	return err
}

func (a *CLIHostAdapter) JailExists(ctx context.Context, jailName string) (bool, error) {
	out, err := run(ctx, "jls", "-j", jailName, "jid")
	if err != nil {
		if strings.Contains(out, "no such jail") {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (a *CLIHostAdapter) ExecInJail(ctx context.Context, jailName, user string, argv []string) (ExecResult, error) {
	args := []string{}
	if user != "" {
		args = append(args, "-U", user)
	}
	args = append(args, jailName)
	args = append(args, argv...)
	cmd := exec.CommandContext(ctx, "jexec", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("jexec %s: %w", jailName, err)
	}
	return res, nil
}

func (a *CLIHostAdapter) ExecInJailStream(ctx context.Context, jailName, user string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	args := []string{}
	if user != "" {
		args = append(args, "-U", user)
	}
	args = append(args, jailName)
	args = append(args, argv...)
	cmd := exec.CommandContext(ctx, "jexec", args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

func (a *CLIHostAdapter) CreateBridge(ctx context.Context, bridgeName string) error {
	out, err := run(ctx, "ifconfig", "bridge", "create", "name", bridgeName)
	if err != nil && strings.Contains(out, "already exists") {
		return nil
	}
	return err
}

func (a *CLIHostAdapter) DestroyBridge(ctx context.Context, bridgeName string) error {
	_, err := run(ctx, "ifconfig", bridgeName, "destroy")
	return err
}

func (a *CLIHostAdapter) CreateEpair(ctx context.Context, index int) (string, string, error) {
	out, err := run(ctx, "ifconfig", fmt.Sprintf("epair%d", index), "create")
	if err != nil {
		return "", "", err
	}
	a0 := strings.TrimSpace(out)
	a0 = strings.TrimSuffix(a0, "\n")
	if !strings.HasSuffix(a0, "a") {
		return "", "", fmt.Errorf("unexpected epair create output: %q", out)
	}
	b0 := strings.TrimSuffix(a0, "a") + "b"
	return a0, b0, nil
}

func (a *CLIHostAdapter) DestroyInterface(ctx context.Context, ifaceName string) error {
	_, err := run(ctx, "ifconfig", ifaceName, "destroy")
	return err
}

func (a *CLIHostAdapter) AttachToBridge(ctx context.Context, bridge, iface string) error {
	mu := a.bridgeLock(bridge)
	mu.Lock()
	defer mu.Unlock()
	_, err := run(ctx, "ifconfig", bridge, "addm", iface)
	return err
}

func (a *CLIHostAdapter) DetachFromBridge(ctx context.Context, bridge, iface string) error {
	mu := a.bridgeLock(bridge)
	mu.Lock()
	defer mu.Unlock()
	_, err := run(ctx, "ifconfig", bridge, "deletem", iface)
	return err
}

func (a *CLIHostAdapter) SetIPv4(ctx context.Context, iface, ip, gw string) error {
	if _, err := run(ctx, "ifconfig", iface, "inet", ip); err != nil {
		return err
	}
	if gw == "" {
		return nil
	}
	_, err := run(ctx, "route", "add", "-inet", "default", gw)
	return err
}

func (a *CLIHostAdapter) SetMAC(ctx context.Context, iface, mac string) error {
	_, err := run(ctx, "ifconfig", iface, "ether", mac)
	return err
}

var epairRE = regexp.MustCompile(`^epair(\d+)[ab]$`)

func (a *CLIHostAdapter) ExistingEpairIndices(ctx context.Context) ([]int, error) {
	out, err := run(ctx, "ifconfig", "-l")
	if err != nil {
		return nil, err
	}
	var indices []int
	for _, iface := range strings.Fields(out) {
		m := epairRE.FindStringSubmatch(iface)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}
	return indices, nil
}

func (a *CLIHostAdapter) PFAnchorLoad(ctx context.Context, anchor string, rules []string) error {
	a.pfMu.Lock()
	defer a.pfMu.Unlock()

	cmd := exec.CommandContext(ctx, "pfctl", "-a", anchor, "-f", "-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		return err
	}
	for _, r := range rules {
		fmt.Fprintln(stdin, r)
	}
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("pfctl -a %s -f -: %w: %s", anchor, err, out.String())
	}
	return nil
}

func (a *CLIHostAdapter) PFAnchorUnload(ctx context.Context, anchor string) error {
	a.pfMu.Lock()
	defer a.pfMu.Unlock()
	_, err := run(ctx, "pfctl", "-a", anchor, "-F", "all")
	return err
}

func (a *CLIHostAdapter) ExtractArchive(ctx context.Context, path, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	_, err := run(ctx, "bsdtar", "-xpf", path, "-C", dest)
	return err
}

// Fetch dispatches on url's scheme: "oci://" pulls an image with
// go-containerregistry and flattens its single rootfs layer to dest;
// everything else is a plain HTTP(S) download. This lets a fleet's
// mirror_url name either a classic release tarball mirror or an OCI
// registry reference (spec.md §3 Global Config, §6.1 fetch).
func (a *CLIHostAdapter) Fetch(ctx context.Context, rawURL, dest string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing fetch url %q: %w", rawURL, err)
	}
	if u.Scheme == "oci" {
		return a.fetchOCI(ctx, strings.TrimPrefix(rawURL, "oci://"), dest)
	}
	return a.fetchHTTP(ctx, rawURL, dest)
}

func (a *CLIHostAdapter) fetchHTTP(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return err
	}
	return w.Flush()
}

func (a *CLIHostAdapter) fetchOCI(ctx context.Context, ref, dest string) error {
	r, err := name.ParseReference(ref)
	if err != nil {
		return fmt.Errorf("parsing oci reference %q: %w", ref, err)
	}
	img, err := remote.Image(r, remote.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("pulling %q: %w", ref, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return err
	}
	if len(layers) != 1 {
		return fmt.Errorf("release image %q: expected exactly 1 layer for a flat rootfs, got %d", ref, len(layers))
	}
	rc, err := layers[0].Compressed()
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, rc)
	return err
}
