package relay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/pkg/crypto"
	"relaychat/pkg/protocol"
)

// peer drives the client end of a piped session.
type peer struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
	done    chan error
}

func startPiped(t *testing.T, srv *Server) *peer {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	p := &peer{
		t:       t,
		conn:    clientConn,
		scanner: bufio.NewScanner(clientConn),
		done:    make(chan error, 1),
	}
	go func() {
		p.done <- srv.ServeConn(context.Background(), NewStreamConn(serverConn, srv.cfg.MaxLineBytes), "pipe")
	}()
	t.Cleanup(func() { clientConn.Close() })
	return p
}

func (p *peer) send(line string) {
	p.t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := fmt.Fprintln(p.conn, line)
	require.NoError(p.t, err)
}

func (p *peer) expect(want string) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.True(p.t, p.scanner.Scan(), "waiting for %q: %v", want, p.scanner.Err())
	assert.Equal(p.t, want, p.scanner.Text())
}

func (p *peer) expectClosed() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.False(p.t, p.scanner.Scan(), "connection should be closed")

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		p.t.Fatal("session did not finish")
	}
}

func TestSession_PlaintextLifecycle(t *testing.T) {
	srv := NewServer(DefaultConfig())
	p := startPiped(t, srv)

	p.send("hello")
	p.expect(protocol.NicknamePrompt)

	p.send("alice")
	p.expect("alice joined the chat")
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.ActiveSessions))
	assert.Equal(t, []string{"alice"}, srv.registry.Nicknames())

	p.send("hi there")
	p.expect("alice: hi there")

	p.send("/nick")
	p.expect(protocol.NickUsage)

	p.send("/nick bob")
	p.expect("alice renamed to bob")
	p.expect("Nickname successfully changed to bob")

	p.send("still here")
	p.expect("bob: still here")

	p.send("/quit")
	p.expectClosed()

	assert.Zero(t, srv.registry.Len())
	assert.Zero(t, testutil.ToFloat64(srv.metrics.ActiveSessions))
}

func TestSession_EncryptedLifecycle(t *testing.T) {
	srv := NewServer(DefaultConfig())
	p := startPiped(t, srv)

	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := crypto.EncodePublicKey(priv.PublicKey())
	require.NoError(t, err)

	p.send(protocol.HandshakeInit(pub))

	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.True(t, p.scanner.Scan())
	encoded, ok := protocol.ParseHandshakeResp(p.scanner.Text())
	require.True(t, ok, "expected DHRESP, got %q", p.scanner.Text())

	serverPub, err := crypto.DecodePublicKey(encoded)
	require.NoError(t, err)
	key, err := crypto.EstablishSessionKey(priv, serverPub)
	require.NoError(t, err)

	p.expect(protocol.NicknamePrompt)
	p.send("alice")

	readSealed := func() string {
		p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.True(t, p.scanner.Scan())
		blob, ok := protocol.ParseEnvelope(p.scanner.Text())
		require.True(t, ok, "expected envelope, got %q", p.scanner.Text())
		text, err := key.Decrypt(blob)
		require.NoError(t, err)
		return text
	}

	assert.Equal(t, "alice joined the chat", readSealed())

	blob, err := key.Encrypt("hi")
	require.NoError(t, err)
	p.send(protocol.Envelope(blob))
	assert.Equal(t, "alice: hi", readSealed())

	// Commands are honored inside envelopes.
	blob, err = key.Encrypt("/nick al")
	require.NoError(t, err)
	p.send(protocol.Envelope(blob))
	assert.Equal(t, "alice renamed to al", readSealed())
	assert.Equal(t, "Nickname successfully changed to al", readSealed())

	// A tampered envelope becomes the placeholder and the session survives.
	p.send(protocol.Envelope("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))
	assert.Equal(t, "al: "+protocol.Unreadable, readSealed())
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.DecryptFailures))

	p.send("plain line")
	assert.Equal(t, "al: plain line", readSealed())

	p.send("/quit")
	p.expectClosed()
}

func TestSession_InvalidHandshakeFallsBack(t *testing.T) {
	srv := NewServer(DefaultConfig())
	p := startPiped(t, srv)

	p.send(protocol.HandshakeInit("this is not a key"))
	p.expect(protocol.NicknamePrompt)

	p.send("mallory")
	p.expect("mallory joined the chat")

	s := srv.registry.Snapshot()[0]
	assert.False(t, s.Encrypted())
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.HandshakeErrors.WithLabelValues("decode key")))

	p.send("/quit")
	p.expectClosed()
}

func TestSession_EmptyNicknameGetsGuestName(t *testing.T) {
	srv := NewServer(DefaultConfig())
	p := startPiped(t, srv)

	p.send("")
	p.expect(protocol.NicknamePrompt)
	p.send("   ")
	p.expect("guest1 joined the chat")

	p.conn.Close()
	<-p.done
	assert.Zero(t, srv.registry.Len())
}

func TestSession_HandshakeTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	srv := NewServer(cfg)
	p := startPiped(t, srv)

	p.expectClosed()
	assert.Zero(t, srv.registry.Len())
}

func TestSession_LineTooLong(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLineBytes = 64
	srv := NewServer(cfg)
	p := startPiped(t, srv)

	p.send("x")
	p.expect(protocol.NicknamePrompt)
	p.send("alice")
	p.expect("alice joined the chat")

	go fmt.Fprintln(p.conn, strings.Repeat("a", 200))
	p.expectClosed()
}

func TestSession_RegisteredUntilClosed(t *testing.T) {
	srv := NewServer(DefaultConfig())
	p := startPiped(t, srv)

	require.Eventually(t, func() bool { return srv.registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	s := srv.registry.Snapshot()[0]
	require.Eventually(t, func() bool { return s.State() == StateAwaitingHandshake }, time.Second, 5*time.Millisecond)

	p.send("x")
	p.expect(protocol.NicknamePrompt)
	assert.Equal(t, StateAwaitingNickname, s.State())

	p.conn.Close()
	<-p.done
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, srv.registry.Len())
}

func TestServer_ShutdownNotifiesSessions(t *testing.T) {
	srv := NewServer(DefaultConfig())
	p := startPiped(t, srv)

	p.send("x")
	p.expect(protocol.NicknamePrompt)
	p.send("alice")
	p.expect("alice joined the chat")

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errc <- srv.Shutdown(ctx)
	}()

	p.expect(protocol.ShutdownNotice)
	p.expectClosed()
	require.NoError(t, <-errc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	err := srv.ServeConn(context.Background(), NewStreamConn(serverConn, 1024), "pipe")
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "awaiting_handshake", StateAwaitingHandshake.String())
	assert.Equal(t, "awaiting_nickname", StateAwaitingNickname.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSession_BurstLargerThanQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendQueueSize = 4
	srv := NewServer(cfg)
	p := startPiped(t, srv)

	p.send("hello")
	p.expect(protocol.NicknamePrompt)
	p.send("alice")
	p.expect("alice joined the chat")

	const n = 200
	sent := make(chan error, 1)
	go func() {
		p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		for i := 0; i < n; i++ {
			if _, err := fmt.Fprintf(p.conn, "msg %d\n", i); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	for i := 0; i < n; i++ {
		p.expect(fmt.Sprintf("alice: msg %d", i))
	}
	require.NoError(t, <-sent)

	assert.Zero(t, testutil.ToFloat64(srv.metrics.Kicked))
	assert.Zero(t, testutil.ToFloat64(srv.metrics.Deliveries.WithLabelValues(ModeDropped)))

	p.send("/quit")
	p.expectClosed()
}
