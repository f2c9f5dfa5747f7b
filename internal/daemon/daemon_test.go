package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bsdfleet/jailctl/internal/health"
)

func writeEmptyFleetConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.toml")
	doc := map[string]any{
		"global": map[string]any{"data_dir": t.TempDir()},
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMux_StartStatusShutdownRoundTrip(t *testing.T) {
	runDir := t.TempDir()
	cfgPath := writeEmptyFleetConfig(t)
	sup := health.New(nil, nil, nil)
	mux := NewMux(runDir, cfgPath, sup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- mux.Serve(ctx) }()

	client := mux.Client()
	deadline := time.Now().Add(2 * time.Second)
	var pingErr error
	for time.Now().Before(deadline) {
		pingErr = client.Ping(context.Background())
		if pingErr == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if pingErr != nil {
		t.Fatalf("Ping never succeeded: %v", pingErr)
	}

	statuses, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no jails in an empty fleet config, got %v", statuses)
	}

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestClient_PingFailsWithNothingListening(t *testing.T) {
	mux := NewMux(t.TempDir(), "", nil)
	if err := mux.Client().Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail when no daemon is listening")
	} else if !IsNotRunning(err) {
		t.Fatalf("expected IsNotRunning(err) to be true, got %v", err)
	}
}
