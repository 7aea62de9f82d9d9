package command

import (
	"bytes"
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// ErrNoData is returned by LineReader.ReadLine when no complete line is
// buffered yet. It does not mean the stream has ended.
var ErrNoData = errors.New("no complete line buffered")

// LineReader reads LF-delimited lines from a non-blocking descriptor,
// typically the read end of a child's stdout pipe. Partial trailing data is
// buffered until the line completes or the stream ends.
type LineReader struct {
	fd     int
	buf    bytes.Buffer
	sawEOF bool
	closed bool
}

// NewLineReader wraps a non-blocking descriptor. The reader takes ownership
// of the descriptor.
func NewLineReader(fd int) *LineReader {
	return &LineReader{fd: fd}
}

// Fileno returns the underlying descriptor, or -1 after Close.
func (r *LineReader) Fileno() int {
	if r.closed {
		return -1
	}
	return r.fd
}

// ReadLine returns the next complete line without its trailing newline.
// It never blocks: when no full line is available yet it returns ErrNoData,
// and once the writer has closed the pipe and the buffer is drained it
// returns io.EOF. A partial line left at EOF is returned as a final line.
func (r *LineReader) ReadLine() (string, error) {
	if line, ok := r.takeLine(); ok {
		return line, nil
	}
	if r.closed {
		return "", io.EOF
	}

	chunk := make([]byte, 4096)
	for !r.sawEOF {
		n, err := unix.Read(r.fd, chunk)
		if n > 0 {
			r.buf.Write(chunk[:n])
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		// n == 0 or a hard error: the writer is gone either way.
		r.sawEOF = true
	}

	if line, ok := r.takeLine(); ok {
		return line, nil
	}
	if r.sawEOF {
		if r.buf.Len() > 0 {
			line := r.buf.String()
			r.buf.Reset()
			return line, nil
		}
		return "", io.EOF
	}
	return "", ErrNoData
}

// takeLine extracts one complete line from the buffer.
func (r *LineReader) takeLine() (string, bool) {
	data := r.buf.Bytes()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", false
	}
	line := string(data[:i])
	r.buf.Next(i + 1)
	return line, true
}

// Close releases the descriptor. Closing twice is a no-op.
func (r *LineReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Close(r.fd)
}
