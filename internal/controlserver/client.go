package controlserver

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is the sibling-CLI side of the control-plane RPC: dial the
// engine's Unix socket, send one framed Request, read one framed
// Response, close. Exit codes for the CLI wrapper (spec.md §6) are
// derived by callers from the returned Response/error, not by this type.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// NewClient constructs a Client with a sensible default dial/round-trip
// timeout.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: 10 * time.Second}
}

// ErrNotRunning is returned when the engine's control socket cannot be
// dialed, mapping to the CLI wrapper's exit code 3.
var ErrNotRunning = fmt.Errorf("controlserver: engine not running")

// Call sends op/args and returns the decoded Response.
func (c *Client) Call(op string, args map[string]string) (Response, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.Timeout)
	if err != nil {
		return Response{}, ErrNotRunning
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout))

	body, err := json.Marshal(Request{Op: op, Args: args})
	if err != nil {
		return Response{}, err
	}
	if err := writeRawFrame(conn, body); err != nil {
		return Response{}, err
	}
	raw, err := readFrame(conn)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
