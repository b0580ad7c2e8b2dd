package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relaychat/pkg/crypto"
	"relaychat/pkg/protocol"
)

// State is a session's position in its lifecycle. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingHandshake
	StateAwaitingNickname
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateAwaitingNickname:
		return "awaiting_nickname"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errStopping = errors.New("session stopping")

// Session is one client connection. Its reader runs on the goroutine that
// called run; a second goroutine owns all writes and drains the send queue.
type Session struct {
	id        uint64
	conn      LineConn
	transport string
	srv       *Server
	log       *slog.Logger

	state atomic.Int32
	key   atomic.Pointer[crypto.SessionKey]

	mu   sync.RWMutex
	nick string

	out        chan string
	quit       chan struct{}
	writerDone chan struct{}
	stopping   atomic.Bool
	kicked     atomic.Bool
}

func newSession(id uint64, conn LineConn, transport string, srv *Server) *Session {
	return &Session{
		id:         id,
		conn:       conn,
		transport:  transport,
		srv:        srv,
		log:        srv.logger.With("session", id, "remote", conn.RemoteAddr(), "transport", transport),
		out:        make(chan string, srv.cfg.SendQueueSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) ID() uint64         { return s.id }
func (s *Session) State() State       { return State(s.state.Load()) }
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }
func (s *Session) Transport() string  { return s.transport }

// Encrypted reports whether the session completed a handshake and holds a
// session key.
func (s *Session) Encrypted() bool { return s.key.Load() != nil }

func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

func (s *Session) setNickname(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// enqueue hands a wire line to the writer. When the queue is full it waits
// for the writer to make room for up to WriteTimeout; a recipient whose
// queue stays full that long is stalled and gets disconnected.
func (s *Session) enqueue(line string) bool {
	select {
	case <-s.quit:
		return false
	default:
	}

	select {
	case s.out <- line:
		return true
	default:
	}

	var expired <-chan time.Time
	if wt := s.srv.cfg.WriteTimeout; wt > 0 {
		timer := time.NewTimer(wt)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case s.out <- line:
		return true
	case <-s.quit:
		return false
	case <-expired:
		s.kick("send queue stalled")
		return false
	}
}

// kick drops the connection without a goodbye. The reader fails and the
// session closes through its normal path.
func (s *Session) kick(reason string) {
	if !s.kicked.CompareAndSwap(false, true) {
		return
	}
	s.log.Warn("disconnecting session", "reason", reason)
	s.srv.metrics.Kicked.Inc()
	abortConn(s.conn)
}

// stop asks the reader to return at its next read without closing the
// connection, so queued lines are still flushed.
func (s *Session) stop() {
	s.stopping.Store(true)
	s.conn.SetReadDeadline(time.Now())
}

func (s *Session) readLine(timeout time.Duration) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	if s.stopping.Load() {
		return "", errStopping
	}
	return s.conn.ReadLine()
}

func (s *Session) logReadError(err error) {
	switch {
	case s.stopping.Load() || errors.Is(err, errStopping):
		s.log.Debug("session stopped")
	case errors.Is(err, io.EOF):
		s.log.Info("client disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.log.Info("read timed out")
	case errors.Is(err, bufio.ErrTooLong):
		s.log.Warn("line exceeds limit", "max_bytes", s.srv.cfg.MaxLineBytes)
	default:
		s.log.Info("read failed", "error", err)
	}
}

func (s *Session) write(line string) error {
	if wt := s.srv.cfg.WriteTimeout; wt > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(wt))
	}
	return s.conn.WriteLine(line)
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case line := <-s.out:
			if err := s.write(line); err != nil {
				s.log.Debug("write failed", "error", err)
				s.kick("write failed")
				<-s.quit
				return
			}
		case <-s.quit:
			s.drain()
			return
		}
	}
}

// drain flushes what is still queued once the session is closing.
func (s *Session) drain() {
	for {
		select {
		case line := <-s.out:
			if err := s.write(line); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.stop)
	defer stop()
	defer s.close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panic", "panic", r)
		}
	}()

	go s.writeLoop()
	s.log.Info("connection accepted")

	if err := s.handshake(); err != nil {
		s.logReadError(err)
		return
	}
	if err := s.join(); err != nil {
		s.logReadError(err)
		return
	}

	for {
		line, err := s.readLine(s.srv.cfg.IdleTimeout)
		if err != nil {
			s.logReadError(err)
			return
		}
		if !s.handle(s.open(line)) {
			return
		}
	}
}

// handshake reads the first line. A DHINIT line negotiates a session key;
// any other line is consumed and the session continues in plaintext. Only
// read errors are returned.
func (s *Session) handshake() error {
	s.setState(StateAwaitingHandshake)

	line, err := s.readLine(s.srv.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}

	encoded, ok := protocol.ParseHandshakeInit(line)
	if !ok {
		s.log.Debug("no handshake requested, continuing in plaintext")
		return nil
	}

	if err := s.establishKey(encoded); err != nil {
		reason := "unknown"
		var hsErr *crypto.HandshakeError
		if errors.As(err, &hsErr) {
			reason = hsErr.Op
		}
		s.srv.metrics.HandshakeErrors.WithLabelValues(reason).Inc()
		s.log.Warn("handshake failed, continuing in plaintext", "error", err)
	}
	return nil
}

func (s *Session) establishKey(encoded string) error {
	start := time.Now()

	peer, err := crypto.DecodePublicKey(encoded)
	if err != nil {
		return err
	}
	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	reply, err := crypto.EncodePublicKey(priv.PublicKey())
	if err != nil {
		return err
	}
	key, err := crypto.EstablishSessionKey(priv, peer)
	if err != nil {
		return err
	}

	s.key.Store(key)
	s.enqueue(protocol.HandshakeResp(reply))

	s.srv.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	s.log.Debug("session key established",
		"peer_fingerprint", crypto.DeriveFingerprint(peer.Bytes()),
		"server_fingerprint", crypto.DeriveFingerprint(priv.PublicKey().Bytes()))
	return nil
}

// join prompts for a nickname and activates the session.
func (s *Session) join() error {
	s.setState(StateAwaitingNickname)
	s.enqueue(protocol.NicknamePrompt)

	line, err := s.readLine(s.srv.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}

	nick := strings.TrimSpace(s.open(line))
	if nick == "" {
		nick = "guest" + strconv.FormatUint(s.id, 10)
	}
	s.setNickname(nick)
	s.setState(StateActive)
	s.srv.metrics.ActiveSessions.Inc()

	s.log.Info("session active", "nick", nick, "encrypted", s.Encrypted())
	s.srv.router.Broadcast(protocol.JoinedNotice(nick))
	return nil
}

// open returns the text carried by an inbound line. Envelopes are opened
// with the session key; one that fails to open becomes the unreadable
// placeholder.
func (s *Session) open(line string) string {
	blob, ok := protocol.ParseEnvelope(line)
	if !ok {
		return line
	}
	key := s.key.Load()
	if key == nil {
		return line
	}

	text, err := key.Decrypt(blob)
	if err != nil {
		s.srv.metrics.DecryptFailures.Inc()
		s.log.Warn("could not decrypt message", "error", err)
		return protocol.Unreadable
	}
	return text
}

// handle acts on one line from an active client. It returns false when the
// session should close.
func (s *Session) handle(text string) bool {
	cmd := protocol.ParseCommand(text)

	switch cmd.Kind {
	case protocol.KindQuit:
		s.log.Info("client quit")
		return false
	case protocol.KindNick:
		s.rename(cmd.Arg)
	default:
		nick := s.Nickname()
		s.log.Debug("chat", "nick", nick, "text", text)
		s.srv.router.Broadcast(protocol.ChatLine(nick, text))
	}
	return true
}

func (s *Session) rename(nick string) {
	if nick == "" {
		s.srv.router.Deliver(s, protocol.NickUsage)
		return
	}

	old := s.Nickname()
	s.srv.router.Broadcast(protocol.RenamedNotice(old, nick))
	s.setNickname(nick)
	s.srv.router.Deliver(s, protocol.RenameAck(nick))
	s.log.Info("nickname changed", "old", old, "nick", nick)
}

// close runs once when the reader returns: leave the active set, tell the
// others, flush and close the connection, drop the key, then leave the
// registry.
func (s *Session) close() {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateActive {
		s.srv.metrics.ActiveSessions.Dec()
		s.srv.router.Broadcast(protocol.DisconnectedNotice(s.Nickname()))
	}

	close(s.quit)
	<-s.writerDone
	s.conn.Close()

	if key := s.key.Swap(nil); key != nil {
		key.Destroy()
	}
	s.srv.registry.Remove(s.id)
	s.log.Info("session closed")
}
