package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/pkg/crypto"
	"relaychat/pkg/protocol"
	"relaychat/pkg/relay"
)

func setup(t *testing.T) (*relay.Server, *httptest.Server) {
	t.Helper()

	reg := prometheus.NewRegistry()
	srv := relay.NewServer(relay.DefaultConfig(), relay.WithMetrics(relay.NewMetrics(reg)))
	ts := httptest.NewServer(New(srv, WithGatherer(reg)).Routes())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, line string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(line)))
}

func recv(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	_, ts := setup(t)

	status, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)
}

func TestWebSocketSession(t *testing.T) {
	_, ts := setup(t)
	conn := dialWS(t, ts)

	send(t, conn, "hello")
	assert.Equal(t, protocol.NicknamePrompt, recv(t, conn))

	send(t, conn, "alice")
	assert.Equal(t, "alice joined the chat", recv(t, conn))

	status, body := get(t, ts.URL+"/sessions")
	require.Equal(t, http.StatusOK, status)
	var sessions SessionsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &sessions))
	assert.Equal(t, SessionsResponse{Count: 1, Nicknames: []string{"alice"}}, sessions)

	send(t, conn, "hi")
	assert.Equal(t, "alice: hi", recv(t, conn))

	_, metrics := get(t, ts.URL+"/metrics")
	assert.Contains(t, metrics, `relaychat_connections_accepted_total{transport="websocket"} 1`)
	assert.Contains(t, metrics, "relaychat_sessions_active 1")

	send(t, conn, "/quit")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketEncrypted(t *testing.T) {
	_, ts := setup(t)
	conn := dialWS(t, ts)

	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := crypto.EncodePublicKey(priv.PublicKey())
	require.NoError(t, err)

	send(t, conn, protocol.HandshakeInit(pub))
	encoded, ok := protocol.ParseHandshakeResp(recv(t, conn))
	require.True(t, ok)

	serverPub, err := crypto.DecodePublicKey(encoded)
	require.NoError(t, err)
	key, err := crypto.EstablishSessionKey(priv, serverPub)
	require.NoError(t, err)
	defer key.Destroy()

	assert.Equal(t, protocol.NicknamePrompt, recv(t, conn))
	send(t, conn, "wsuser")

	open := func(line string) string {
		blob, ok := protocol.ParseEnvelope(line)
		require.True(t, ok, "expected envelope, got %q", line)
		text, err := key.Decrypt(blob)
		require.NoError(t, err)
		return text
	}
	assert.Equal(t, "wsuser joined the chat", open(recv(t, conn)))

	blob, err := key.Encrypt("over websocket")
	require.NoError(t, err)
	send(t, conn, protocol.Envelope(blob))
	assert.Equal(t, "wsuser: over websocket", open(recv(t, conn)))
}

func TestWebSocketRejectedAfterShutdown(t *testing.T) {
	srv, ts := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	conn := dialWS(t, ts)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the socket is closed without a session")
}

func TestMetricsNotMountedWithoutGatherer(t *testing.T) {
	srv := relay.NewServer(relay.DefaultConfig())
	ts := httptest.NewServer(New(srv).Routes())
	defer ts.Close()

	status, _ := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, status)
}
