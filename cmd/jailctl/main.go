// Command jailctl is the CLI half of the BSD jail fleet orchestrator:
// it loads a Fleet Config, wires the core packages to the real host
// and storage adapters, and dispatches to one of the lifecycle,
// build, inspection, or transport subcommands.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"

	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/version"
)

// Context is threaded into every subcommand's Run method, mirroring
// the teacher's own Context-struct-plus-kong.Run(&Context{...}) split
// between global CLI flags and per-invocation state.
type Context struct {
	ConfigPath string
	ConfigDir  string // directory holding known_hosts, independent of the fleet config's data_dir
}

// CLI is the full command surface (SPEC_FULL.md §6.5).
type CLI struct {
	Config   string `short:"c" default:"/usr/local/etc/jailctl/fleet.toml" placeholder:"<path>" help:"path to the fleet config TOML document"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"log level for the JSON log written to stderr"`

	Up         UpCmd               `cmd:"" help:"bring jails up, in dependency order"`
	Down       DownCmd             `cmd:"" help:"stop jails, in reverse dependency order"`
	Restart    RestartCmd          `cmd:"" help:"stop then start jails"`
	Cleanup    CleanupCmd          `cmd:"" help:"force a failed jail back to stopped"`
	Check      CheckCmd            `cmd:"" help:"validate a fleet config without touching host state"`
	Build      BuildCmd            `cmd:"" help:"run a build plan against a scratch jail, producing a new release"`
	Ps         PsCmd               `cmd:"" help:"list known jails and their state"`
	Logs       LogsCmd             `cmd:"" help:"tail the event journal"`
	Snapshot   SnapshotCmd         `cmd:"" help:"snapshot a jail's dataset"`
	Clone      CloneCmd            `cmd:"" help:"clone a release snapshot into a new dataset"`
	Export     ExportCmd           `cmd:"" help:"export a jail's rootfs or dataset to a stream"`
	Import     ImportCmd           `cmd:"" help:"import a previously exported stream"`
	Supervise  SuperviseCmd        `cmd:"" help:"start, stop, or query the health supervisor daemon"`
	SSH        SSHCmd              `cmd:"" help:"open an interactive shell in a jail over ssh"`
	Completion kongcompletion.Cmd  `cmd:"" help:"print shell completion scripts"`
	Version    VersionCmd          `cmd:"" help:"print version information"`
}

func initSlog(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "jailctl")
	}
	return filepath.Join(home, ".config", "jailctl")
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("jailctl"),
		kong.Description("Declarative orchestration for fleets of FreeBSD jails."),
		kong.UsageOnError(),
	)
	kongcompletion.Register(parser, kongcompletion.WithPredictor("file", complete.PredictFiles("*")))

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	initSlog(cli.LogLevel)
	slog.Info("jailctl starting", "version", version.Get().GitCommit, "command", kctx.Command())

	runCtx := &Context{ConfigPath: cli.Config, ConfigDir: configDir()}
	runErr := kctx.Run(runCtx)
	os.Exit(exitCode(runErr))
}

// exitCode maps a subcommand's returned error onto spec.md §7's exit
// code contract: 0 success, 1 user/config error, 2 runtime/host error,
// 3 partial success (some jails up, some failed).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var partial *partialSuccessError
	if errors.As(err, &partial) {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}
	var cfgErr *errs.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Fprintln(os.Stderr, err)
	return 2
}
