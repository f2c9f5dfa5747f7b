// Package fleetconfig loads a Fleet Config document from TOML into
// internal/model, then runs per-spec shape validation plus the
// duplicate-name and dependency-resolution checks. It is an out-of-core
// collaborator (spec.md §2): the core packages never import it; its
// callers are cmd/jailctl and internal/daemon.
package fleetconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/model"
)

// doc mirrors the TOML surface syntax; field names are the snake_case
// keys a Fleet Config author writes.
type doc struct {
	Global globalDoc `toml:"global"`
	Jail   []jailDoc `toml:"jail"`
}

type globalDoc struct {
	DataDir        string `toml:"data_dir"`
	ReleasesDir    string `toml:"releases_dir"`
	CacheDir       string `toml:"cache_dir"`
	MirrorURL      string `toml:"mirror_url"`
	StorageBackend string `toml:"storage_backend"`
	Pool           string `toml:"pool"`
	DatasetRoot    string `toml:"dataset_root"`
	MaxParallel    int    `toml:"max_parallel"`
	OTelEndpoint   string `toml:"otel_endpoint"`
}

type jailDoc struct {
	Name      string      `toml:"name"`
	Hostname  string      `toml:"hostname"`
	Path      string      `toml:"path"`
	Release   string      `toml:"release"`
	DependsOn []string    `toml:"depends_on"`
	Network   *networkDoc `toml:"network"`
	Health    *healthDoc  `toml:"healthcheck"`
	Hooks     []hookDoc   `toml:"hook"`
	Ports     []portDoc   `toml:"port"`
}

type networkDoc struct {
	VNet        bool     `toml:"vnet"`
	Bridge      string   `toml:"bridge"`
	IPv4        string   `toml:"ipv4"`
	Gateway     string   `toml:"gateway"`
	MAC         string   `toml:"mac"`
	DNSMode     string   `toml:"dns_mode"`
	Nameservers []string `toml:"nameservers"`
}

type healthDoc struct {
	Enabled bool       `toml:"enabled"`
	Check   []checkDoc `toml:"check"`
}

type checkDoc struct {
	Name     string `toml:"name"`
	Command  string `toml:"command"`
	Target   string `toml:"target"`
	Interval int    `toml:"interval"`
	Timeout  int    `toml:"timeout"`
	Retries  int    `toml:"retries"`
}

type hookDoc struct {
	Phase     string `toml:"phase"`
	Target    string `toml:"target"`
	Command   string `toml:"command"`
	OnFailure string `toml:"on_failure"`
}

type portDoc struct {
	HostIP       string `toml:"host_ip"`
	HostPort     int    `toml:"host_port"`
	InternalPort int    `toml:"internal_port"`
	Protocol     string `toml:"protocol"`
}

// Load reads and decodes path into a validated model.FleetConfig. Each
// Jail/Check/Hook Spec is validated individually via its Validate()
// method, then Parse rejects duplicate jail names and dependencies on
// undeclared jails. Dependency cycles and port/IP conflicts are not
// checked here; internal/graph and internal/netplan check those from
// the orchestrator's Check.
func Load(path string) (*model.FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw TOML bytes, for callers that already have the
// document in memory (tests, `stdin` piping).
func Parse(data []byte) (*model.FleetConfig, error) {
	var d doc
	if _, err := toml.Decode(string(data), &d); err != nil {
		return nil, errs.WrapConfigError("parse", err)
	}

	cfg := &model.FleetConfig{
		Global: model.GlobalConfig{
			DataDir:        d.Global.DataDir,
			ReleasesDir:    d.Global.ReleasesDir,
			CacheDir:       d.Global.CacheDir,
			MirrorURL:      d.Global.MirrorURL,
			StorageBackend: model.StorageBackend(orDefault(d.Global.StorageBackend, string(model.BackendPlain))),
			Pool:           d.Global.Pool,
			DatasetRoot:    d.Global.DatasetRoot,
			MaxParallel:    d.Global.MaxParallel,
			OTelEndpoint:   d.Global.OTelEndpoint,
		},
	}

	seen := map[string]bool{}
	for _, jd := range d.Jail {
		spec := jailFromDoc(jd)
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, errs.NewConfigError("duplicate-name", "duplicate jail name", spec.Name)
		}
		seen[spec.Name] = true
		cfg.Jails = append(cfg.Jails, spec)
	}

	for _, j := range cfg.Jails {
		for _, dep := range j.DependsOn {
			if cfg.JailByName(dep) == nil {
				return nil, errs.NewConfigError("unresolved-dependency",
					fmt.Sprintf("%s depends on undeclared jail %s", j.Name, dep), j.Name, dep)
			}
		}
	}

	return cfg, nil
}

func jailFromDoc(jd jailDoc) model.JailSpec {
	spec := model.JailSpec{
		Name:      jd.Name,
		Hostname:  jd.Hostname,
		Path:      jd.Path,
		Release:   jd.Release,
		DependsOn: jd.DependsOn,
	}
	if jd.Network != nil {
		spec.Network = &model.NetworkSpec{
			VNet:        jd.Network.VNet,
			Bridge:      jd.Network.Bridge,
			IPv4:        jd.Network.IPv4,
			Gateway:     jd.Network.Gateway,
			MAC:         jd.Network.MAC,
			DNSMode:     model.DNSMode(orDefault(jd.Network.DNSMode, string(model.DNSInherit))),
			Nameservers: jd.Network.Nameservers,
		}
	}
	if jd.Health != nil {
		hc := &model.Healthcheck{Enabled: jd.Health.Enabled}
		for _, c := range jd.Health.Check {
			hc.Checks = append(hc.Checks, model.CheckSpec{
				Name: c.Name, Command: c.Command,
				Target:   model.CheckTarget(orDefault(c.Target, string(model.TargetJail))),
				Interval: c.Interval, Timeout: c.Timeout, Retries: c.Retries,
			})
		}
		spec.Healthcheck = hc
	}
	for _, h := range jd.Hooks {
		spec.Hooks = append(spec.Hooks, model.HookSpec{
			Phase:     model.HookPhase(h.Phase),
			Target:    model.CheckTarget(orDefault(h.Target, string(model.TargetJail))),
			Command:   h.Command,
			OnFailure: model.OnFailure(orDefault(h.OnFailure, string(model.OnFailureAbort))),
		})
	}
	for _, p := range jd.Ports {
		spec.Ports = append(spec.Ports, model.ExposedPort{
			HostIP: p.HostIP, HostPort: p.HostPort, InternalPort: p.InternalPort,
			Protocol: model.Protocol(orDefault(p.Protocol, string(model.ProtoTCP))),
		})
	}
	return spec
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
