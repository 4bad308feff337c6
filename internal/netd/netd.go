// Package netd is the client for the privileged network helper daemon.
// The helper owns tap device and iptables manipulation; the engine process
// itself never needs elevated privileges. Every request opens a fresh
// connection to the helper's Unix socket, writes one newline-terminated
// JSON object, and reads one newline-terminated JSON object back.
package netd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/noidvm/noid/internal/logging"
	"github.com/noidvm/noid/internal/noiderr"
)

var log = logging.New("netd")

// Client talks to the network helper over a well-known Unix socket path.
type Client struct {
	sockPath string
	timeout  time.Duration
}

// New returns a Client dialing sockPath for each request.
func New(sockPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{sockPath: sockPath, timeout: timeout}
}

type request struct {
	Op    string `json:"op"`
	Index *int   `json:"index,omitempty"`
	User  string `json:"user,omitempty"`
	VM    string `json:"vm,omitempty"`
}

type response struct {
	OK   bool     `json:"ok"`
	Err  string   `json:"err,omitempty"`
	Tap  string   `json:"tap,omitempty"`
	Taps []string `json:"taps,omitempty"`
}

func (c *Client) call(req request) (*response, error) {
	conn, err := net.DialTimeout("unix", c.sockPath, c.timeout)
	if err != nil {
		return nil, noiderr.Wrap(noiderr.ErrNetwork, "dial netd", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, noiderr.Wrap(noiderr.ErrNetwork, "send netd request", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, noiderr.Wrap(noiderr.ErrNetwork, "read netd response", err)
		}
		return nil, noiderr.Wrap(noiderr.ErrNetwork, "netd closed connection without responding", fmt.Errorf("eof"))
	}

	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, noiderr.Wrap(noiderr.ErrNetwork, "decode netd response", err)
	}
	if !resp.OK {
		return nil, noiderr.Wrap(noiderr.ErrNetwork, "netd request failed: "+resp.Err, fmt.Errorf("%s", resp.Err))
	}
	return &resp, nil
}

// SetupTap asks netd to create and wire a tap device for the given net
// index, returning the tap name it assigned.
func (c *Client) SetupTap(index int, userID, vmName string) (string, error) {
	resp, err := c.call(request{Op: "setup", Index: &index, User: userID, VM: vmName})
	if err != nil {
		return "", err
	}
	return resp.Tap, nil
}

// TeardownTap asks netd to remove a tap device. Callers should treat
// failures as warnings only: teardown is always best-effort cleanup.
func (c *Client) TeardownTap(index int) error {
	_, err := c.call(request{Op: "teardown", Index: &index})
	return err
}

// ListOrphans returns tap device names netd knows about but that don't
// correspond to any net index the caller believes is live.
func (c *Client) ListOrphans() ([]string, error) {
	resp, err := c.call(request{Op: "list_orphans"})
	if err != nil {
		return nil, err
	}
	return resp.Taps, nil
}

// Reachable reports whether the helper currently accepts connections,
// without side effects. Used by create's graceful-degradation path.
func (c *Client) Reachable() bool {
	conn, err := net.DialTimeout("unix", c.sockPath, c.timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
