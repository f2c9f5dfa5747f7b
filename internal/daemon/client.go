package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bsdfleet/jailctl/internal/version"
)

// Client talks to a running supervise daemon over its unix socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

func (c *Client) do(ctx context.Context, method, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supervise daemon not running: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// Ping reports whether a supervise daemon is reachable on this socket.
func (c *Client) Ping(ctx context.Context) error {
	var resp map[string]string
	return c.do(ctx, http.MethodGet, "/ping", &resp)
}

// Version returns the running daemon's build version.
func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var v version.Info
	err := c.do(ctx, http.MethodGet, "/version", &v)
	return v, err
}

// JailStatus is one jail's health verdict as reported by the daemon.
type JailStatus struct {
	Jail    string `json:"jail"`
	Verdict string `json:"verdict"`
}

// Status returns every jail's current health verdict.
func (c *Client) Status(ctx context.Context) ([]JailStatus, error) {
	var out []JailStatus
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

// Shutdown asks the daemon to stop, then sleeps 200ms to give it time
// to close its socket; it does not check that the socket is gone.
func (c *Client) Shutdown(ctx context.Context) error {
	var resp map[string]string
	if err := c.do(ctx, http.MethodPost, "/shutdown", &resp); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	return nil
}

// IsNotRunning reports whether err looks like "nothing is listening on
// the socket", as opposed to some other request failure.
func IsNotRunning(err error) bool {
	return err != nil && strings.Contains(err.Error(), "supervise daemon not running")
}
