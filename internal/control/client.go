package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"mixvpn"
)

// ReplyError wraps an ErrorReply returned by the server.
type ReplyError struct {
	Code    string
	Message string
}

func (e *ReplyError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Client is a control socket client, used by mixctl.
type Client struct {
	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// SendCommand issues a non-follow command and returns the engine's reply.
func (c *Client) SendCommand(cmd mixvpn.Command) (*StatusReply, error) {
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	resp, err := c.recv()
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ReplyError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Status, nil
}

// Follow issues `Status --follow` and invokes fn with every StatusReply
// pushed by the server, until fn returns a non-nil error or the connection
// closes.
func (c *Client) Follow(fn func(StatusReply) error) error {
	if err := c.send(mixvpn.Command{Kind: mixvpn.CommandStatus, Follow: true}); err != nil {
		return err
	}
	for {
		resp, err := c.recv()
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return &ReplyError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if err := fn(*resp.Status); err != nil {
			return err
		}
	}
}

func (c *Client) send(cmd mixvpn.Command) error {
	payload, err := json.Marshal(Request{Command: cmd})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return WriteFrame(c.conn, payload)
}

func (c *Client) recv() (Response, error) {
	payload, err := ReadFrame(c.conn)
	if err != nil {
		return Response{}, fmt.Errorf("read control response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("decode control response: %w", err)
	}
	return resp, nil
}
