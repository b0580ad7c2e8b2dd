package relay

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// LineConn is a bidirectional stream of text lines. ReadLine is called by a
// single goroutine and WriteLine by a single (possibly different) goroutine.
// Close and the deadline setters may be called from anywhere and must
// unblock a pending ReadLine.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Aborter is implemented by connections whose Close does more than drop the
// socket, such as sending a protocol close frame. Abort must return without
// waiting on a writer.
type Aborter interface {
	Abort() error
}

func abortConn(c LineConn) error {
	if a, ok := c.(Aborter); ok {
		return a.Abort()
	}
	return c.Close()
}

// streamConn frames a net.Conn as newline-terminated lines.
type streamConn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewStreamConn wraps conn. Lines longer than maxLine bytes fail the read
// with bufio.ErrTooLong.
func NewStreamConn(conn net.Conn, maxLine int) LineConn {
	scanner := bufio.NewScanner(conn)
	initial := 4096
	if maxLine < initial {
		initial = maxLine
	}
	scanner.Buffer(make([]byte, 0, initial), maxLine)

	return &streamConn{
		conn:    conn,
		scanner: scanner,
		w:       bufio.NewWriter(conn),
	}
}

func (c *streamConn) ReadLine() (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return c.scanner.Text(), nil
}

// WriteLine writes line followed by a newline. Embedded line breaks are
// replaced so one call always produces exactly one line on the wire.
func (c *streamConn) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		line = strings.NewReplacer("\r", " ", "\n", " ").Replace(line)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *streamConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }
func (c *streamConn) Close() error                       { return c.conn.Close() }
