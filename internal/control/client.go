package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrNoRequest is returned by ReadRequest when no complete request line has
// arrived yet.
var ErrNoRequest = errors.New("no complete request buffered")

// ErrBadRequest is returned by ReadRequest when a line arrived but was not
// a valid JSON request. The connection stays usable.
var ErrBadRequest = errors.New("malformed request")

// Request is one administrative request from a control client.
type Request struct {
	Command      string `json:"command"`
	Daemon       string `json:"daemon,omitempty"`
	AdminCommand string `json:"admin_command,omitempty"`
}

// Response is the wire shape of every reply on the control channel.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// OK builds a success response, with an optional result payload.
func OK(result any) Response {
	return Response{Status: "ok", Result: result}
}

// Error builds an error response carrying the given message.
func Error(message string) Response {
	return Response{Status: "error", Message: message}
}

// Client is one accepted control connection. Reads are non-blocking and
// line-buffered; a client may issue many requests before closing.
type Client struct {
	fd  int
	id  string
	buf bytes.Buffer
}

func newClient(fd int) *Client {
	return &Client{fd: fd, id: uuid.NewString()}
}

// ID returns the connection id used for log correlation.
func (c *Client) ID() string { return c.id }

// Fileno returns the connection descriptor, or -1 after Close.
func (c *Client) Fileno() int {
	if c.fd < 0 {
		return -1
	}
	return c.fd
}

// ReadRequest returns the next complete request. It never blocks: with no
// full line buffered it returns ErrNoRequest, on a line that fails to
// parse it returns ErrBadRequest, and once the peer disconnects it returns
// io.EOF.
func (c *Client) ReadRequest() (*Request, error) {
	if req, ok, err := c.takeRequest(); ok {
		return req, err
	}
	if c.fd < 0 {
		return nil, io.EOF
	}

	chunk := make([]byte, 4096)
	sawEOF := false
	for {
		n, err := unix.Read(c.fd, chunk)
		if n > 0 {
			c.buf.Write(chunk[:n])
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		sawEOF = true
		break
	}

	if req, ok, err := c.takeRequest(); ok {
		return req, err
	}
	if sawEOF {
		return nil, io.EOF
	}
	return nil, ErrNoRequest
}

// takeRequest extracts and parses one line from the buffer.
func (c *Client) takeRequest() (*Request, bool, error) {
	data := c.buf.Bytes()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, false, nil
	}
	line := append([]byte(nil), data[:i]...)
	c.buf.Next(i + 1)

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, true, fmt.Errorf("%w: empty line", ErrBadRequest)
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Command == "" {
		return nil, true, fmt.Errorf("%w: missing command field", ErrBadRequest)
	}
	return &req, true, nil
}

// Send writes one response as a single JSON line.
func (c *Client) Send(resp Response) error {
	if c.fd < 0 {
		return fmt.Errorf("control client closed")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding control response: %w", err)
	}
	data = append(data, '\n')
	return c.writeFull(data)
}

// writeFull writes all bytes, waiting for writability when the socket
// buffer is momentarily full. Responses are small so this never stalls the
// loop for long.
func (c *Client) writeFull(data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(c.fd, data)
		if n > 0 {
			data = data[n:]
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
			_, _ = unix.Poll(fds, 1000)
			continue
		}
		return fmt.Errorf("writing control response: %w", err)
	}
	return nil
}

// Close releases the connection. Closing twice is a no-op.
func (c *Client) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
