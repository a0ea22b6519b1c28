package controlsocket

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/ltratt/pizauthd/internal/socket"
)

// Client is a short-lived connection used by the CLI to issue exactly one
// command against a running daemon.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon's control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	conn, err := socket.DialSocket(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Reply is the parsed OK/ERROR response line plus any trailing payload
// frame (used by dump).
type Reply struct {
	OK      bool
	Text    string
	Payload []byte
}

// Command sends a single command line and reads back its response. For
// restore, payload carries the bytes to send as the follow-up frame.
func (c *Client) Command(line string, payload []byte) (Reply, error) {
	if err := WriteFrame(c.conn, []byte(line)); err != nil {
		return Reply{}, err
	}
	if strings.HasPrefix(line, "restore") {
		if err := WriteFrame(c.conn, payload); err != nil {
			return Reply{}, err
		}
	}

	respLine, err := ReadFrame(c.conn)
	if err != nil {
		return Reply{}, fmt.Errorf("read response: %w", err)
	}
	text := string(respLine)

	reply := Reply{}
	switch {
	case strings.HasPrefix(text, "OK"):
		reply.OK = true
		reply.Text = strings.TrimSpace(strings.TrimPrefix(text, "OK"))
	case strings.HasPrefix(text, "ERROR"):
		reply.OK = false
		reply.Text = strings.TrimSpace(strings.TrimPrefix(text, "ERROR"))
	default:
		return Reply{}, fmt.Errorf("malformed response: %q", text)
	}

	if strings.HasPrefix(line, "dump") && reply.OK {
		data, err := ReadFrame(c.conn)
		if err != nil {
			return Reply{}, fmt.Errorf("read dump payload: %w", err)
		}
		reply.Payload = data
	}

	return reply, nil
}
