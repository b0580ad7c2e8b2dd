package gateway

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn carries one protocol line per WebSocket text frame.
type wsConn struct {
	conn   *websocket.Conn
	remote string

	// gorilla connections allow one concurrent writer of data frames.
	wmu sync.Mutex
}

func newWSConn(conn *websocket.Conn, remote string, maxLine int) *wsConn {
	conn.SetReadLimit(int64(maxLine))
	return &wsConn{conn: conn, remote: remote}
}

func (c *wsConn) ReadLine() (string, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}

		switch typ {
		case websocket.TextMessage, websocket.BinaryMessage:
			return strings.TrimRight(string(data), "\r\n"), nil
		default:
			continue
		}
	}
}

func (c *wsConn) WriteLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *wsConn) RemoteAddr() string                 { return c.remote }

// Close sends a best-effort close frame and closes the socket. WriteControl
// may run concurrently with WriteLine but waits behind a data frame that is
// still being written.
func (c *wsConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// Abort closes the socket without a close frame. It is used for stalled
// clients, where waiting on the frame writer would hold up the caller.
func (c *wsConn) Abort() error {
	return c.conn.Close()
}
