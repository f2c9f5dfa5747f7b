// Package daemon implements the long-running half of `jailctl
// supervise`: a Unix-socket HTTP server wrapping internal/health's
// Supervisor, so a later `jailctl supervise` invocation (status, start,
// stop, restart) can find out whether one is already running and ask
// it to stop, adapted directly from the teacher's Mux/MuxClient split
// in mux_server.go/mux_client.go (same lock-file-plus-unix-socket
// shape, same JSON-over-HTTP-over-unix wire format).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bsdfleet/jailctl/internal/fleetconfig"
	"github.com/bsdfleet/jailctl/internal/health"
	"github.com/bsdfleet/jailctl/internal/model"
	"github.com/bsdfleet/jailctl/internal/version"
)

const (
	socketFile = "supervise.sock"
	lockFile   = "supervise.lock"
)

// Mux owns the supervise daemon's unix socket and lock file.
type Mux struct {
	RunDir     string
	ConfigPath string
	SocketPath string

	sup *health.Supervisor

	listener net.Listener
	lockF    *os.File
	shutdown chan struct{}
}

// NewMux constructs a Mux bound to runDir (typically
// <data_dir>/run). sup is nil on the CLI side of a client-only Mux.
func NewMux(runDir, configPath string, sup *health.Supervisor) *Mux {
	return &Mux{
		RunDir:     runDir,
		ConfigPath: configPath,
		SocketPath: filepath.Join(runDir, socketFile),
		sup:        sup,
	}
}

// Client dials m's socket, erroring immediately (rather than hanging)
// if nothing is listening.
func (m *Mux) Client() *Client {
	return &Client{
		socketPath: m.SocketPath,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return net.Dial("unix", m.SocketPath)
				},
			},
		},
	}
}

// Serve runs the supervise daemon until ctx is canceled or /shutdown is
// hit. It blocks until the daemon has actually stopped.
func (m *Mux) Serve(ctx context.Context) error {
	if err := os.MkdirAll(m.RunDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir %s: %w", m.RunDir, err)
	}
	lockF, err := acquireLock(filepath.Join(m.RunDir, lockFile))
	if err != nil {
		return err
	}
	m.lockF = lockF
	m.shutdown = make(chan struct{})

	os.Remove(m.SocketPath)
	listener, err := net.Listen("unix", m.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.SocketPath, err)
	}
	m.listener = listener

	cfg, err := fleetconfig.Load(m.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading fleet config %s: %w", m.ConfigPath, err)
	}

	supCtx, cancelSup := context.WithCancel(ctx)
	supDone := make(chan error, 1)
	go func() { supDone <- m.sup.Run(supCtx, cfg) }()

	go m.waitForSignal(ctx)
	go m.serveHTTP()

	select {
	case <-m.shutdown:
	case <-ctx.Done():
	}
	cancelSup()
	<-supDone
	return m.close()
}

func (m *Mux) waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		close(m.shutdown)
	case <-ctx.Done():
	case <-m.shutdown:
	}
}

func (m *Mux) close() error {
	if m.listener != nil {
		m.listener.Close()
	}
	os.Remove(m.SocketPath)
	if m.lockF != nil {
		syscall.Flock(int(m.lockF.Fd()), syscall.LOCK_UN)
		m.lockF.Close()
		os.Remove(filepath.Join(m.RunDir, lockFile))
	}
	return nil
}

func (m *Mux) serveHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, map[string]string{"status": "pong"}) })
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, version.Get()) })
	mux.HandleFunc("/status", m.handleStatus)
	mux.HandleFunc("/shutdown", m.handleShutdown)

	server := &http.Server{Handler: mux}
	if err := server.Serve(m.listener); err != nil && err != http.ErrServerClosed {
		slog.Error("daemon.Mux.serveHTTP", "error", err)
	}
}

// statusResponse is one jail's verdict, as reported by /status.
type statusResponse struct {
	Jail    string         `json:"jail"`
	Verdict model.Verdict  `json:"verdict"`
}

func (m *Mux) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg, err := fleetconfig.Load(m.ConfigPath)
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	var out []statusResponse
	for _, j := range cfg.Jails {
		out = append(out, statusResponse{Jail: j.Name, Verdict: m.sup.Verdict(j.Name)})
	}
	writeJSON(w, out)
}

func (m *Mux) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(m.shutdown)
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("supervise daemon already running (%s locked)", path)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}
