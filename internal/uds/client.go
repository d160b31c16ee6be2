package uds

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client is the dial side of the frame protocol. CLI verbs, workers and
// the health monitor use it to reach a control socket. Every call opens
// a fresh connection, so the client carries no state and one instance
// can be shared across commands.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout bounds the dial plus the full frame exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.send(context.Background(), req)
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	return c.SendCommandContext(context.Background(), command, params)
}

// SendCommandContext is SendCommand additionally bounded by ctx: the
// exchange ends at the earlier of ctx's deadline and the client timeout.
func (c *Client) SendCommandContext(ctx context.Context, command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w (is the serving process running?)", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}
