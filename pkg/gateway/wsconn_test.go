package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/pkg/relay"
)

var _ relay.Aborter = (*wsConn)(nil)

// wsPair returns the server side of a fresh WebSocket connection, wrapped
// as a line connection, and the client side.
func wsPair(t *testing.T) (*wsConn, *websocket.Conn) {
	t.Helper()

	conns := make(chan *wsConn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- newWSConn(conn, r.RemoteAddr, relay.DefaultMaxLineBytes)
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-conns:
		t.Cleanup(func() { c.conn.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil, nil
	}
}

func TestWSConn_LinePerFrame(t *testing.T) {
	c, client := wsPair(t)

	require.NoError(t, c.WriteLine("alice: hi"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "alice: hi", string(data))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello\r\n")))
	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
}

func TestWSConn_CloseSendsCloseFrame(t *testing.T) {
	c, client := wsPair(t)

	require.NoError(t, c.Close())

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSConn_AbortDoesNotWaitForWriter(t *testing.T) {
	c, _ := wsPair(t)

	// The client never reads, so the writer ends up blocked mid-frame once
	// the socket buffers fill.
	big := strings.Repeat("x", 1<<20)
	writer := make(chan error, 1)
	go func() {
		for i := 0; i < 64; i++ {
			if err := c.WriteLine(big); err != nil {
				writer <- err
				return
			}
		}
		writer <- nil
	}()

	select {
	case err := <-writer:
		t.Skipf("writer never blocked: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	start := time.Now()
	aborted := make(chan error, 1)
	go func() { aborted <- c.Abort() }()

	select {
	case <-aborted:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Abort blocked behind the writer")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case err := <-writer:
		assert.Error(t, err, "stuck write fails once the socket is gone")
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked after Abort")
	}
}
