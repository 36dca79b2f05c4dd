// Package conn splits one byte-stream transport into a line reader and a
// framed writer. The writer is the only half shared with other goroutines;
// the reader belongs to the goroutine that drains it.
package conn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"relaychat/internal/wire"
)

// DefaultWriteTimeout bounds how long one write may stall on a slow peer.
const DefaultWriteTimeout = 10 * time.Second

// Reader returns complete '\n'-terminated lines from a stream.
type Reader struct {
	buf *bufio.Reader
}

// NewReader wraps r. Lines are accumulated without a size cap.
func NewReader(r io.Reader) *Reader {
	return &Reader{buf: bufio.NewReader(r)}
}

// ReadLine blocks until a full line is available and returns it with its
// delimiter. Bytes left without a delimiter when the stream ends are
// discarded and io.EOF is returned.
func (r *Reader) ReadLine() ([]byte, error) {
	line, err := r.buf.ReadBytes(wire.Delimiter)
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Writer writes framed lines to a connection. It is safe for concurrent
// use; each line is written and flushed atomically.
type Writer struct {
	mu      sync.Mutex
	conn    net.Conn
	buf     *bufio.Writer
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriteTimeout sets the per-line write deadline. Zero disables it.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.timeout = d }
}

// NewWriter wraps c for framed writes.
func NewWriter(c net.Conn, opts ...WriterOption) *Writer {
	w := &Writer{
		conn:    c,
		buf:     bufio.NewWriter(c),
		timeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Split returns the read and write halves of c.
func Split(c net.Conn, opts ...WriterOption) (*Reader, *Writer) {
	return NewReader(c), NewWriter(c, opts...)
}

// WriteFramed encodes env and writes it as one line.
func (w *Writer) WriteFramed(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return w.WriteLine(data)
}

// WriteLine writes an already-encoded line verbatim, adding the delimiter
// only when line lacks one, then flushes.
func (w *Writer) WriteLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("write to %s: %w", w.RemoteAddr(), err)
	}
	if len(line) == 0 || line[len(line)-1] != wire.Delimiter {
		if err := w.buf.WriteByte(wire.Delimiter); err != nil {
			return fmt.Errorf("write to %s: %w", w.RemoteAddr(), err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush to %s: %w", w.RemoteAddr(), err)
	}
	return nil
}

// Close closes the underlying transport. Safe to call more than once; a
// blocked ReadLine on the same connection returns an error afterwards.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// RemoteAddr returns the peer address, or "" when unknown.
func (w *Writer) RemoteAddr() string {
	if addr := w.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// IsClosed reports whether err is a normal connection termination: EOF,
// closed connection, broken pipe, or connection reset.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
