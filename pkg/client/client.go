// Package client speaks the relaychat line protocol from the client side:
// optional key exchange, nickname registration, then sealed chat.
package client

import (
	"bufio"
	"context"
	"crypto/ecdh"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"relaychat/pkg/crypto"
	"relaychat/pkg/protocol"
	"relaychat/pkg/serverlink"
)

const DefaultMaxLineBytes = 64 * 1024

// Options configures a Client.
type Options struct {
	// Plaintext skips the key exchange. The client sends an empty line so
	// the server moves on to the nickname prompt.
	Plaintext bool
	// Dialer is used by Dial. Nil means serverlink.NewDialer().
	Dialer *serverlink.Dialer
	// HandshakeTimeout bounds the exchange up to and including the prompt.
	HandshakeTimeout time.Duration
	// MaxLineBytes caps inbound lines.
	MaxLineBytes int
}

// Client is one connection to a relay. Receive must be called from a single
// goroutine; Send may be called concurrently with it.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner

	wmu sync.Mutex
	w   *bufio.Writer

	key         *crypto.SessionKey
	prompt      string
	fingerprint string
}

// Dial connects to link and runs the handshake.
func Dial(ctx context.Context, link serverlink.Link, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = serverlink.NewDialer()
	}

	conn, err := dialer.DialContext(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", link, err)
	}

	c, err := New(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New runs the handshake over an established connection and returns once
// the nickname prompt has been received.
func New(conn net.Conn, opts Options) (*Client, error) {
	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = crypto.HandshakeTimeout
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)

	c := &Client{
		conn:    conn,
		scanner: scanner,
		w:       bufio.NewWriter(conn),
	}

	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := c.handshake(opts.Plaintext); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(plaintext bool) error {
	var priv *ecdh.PrivateKey

	if plaintext {
		if err := c.writeLine(""); err != nil {
			return fmt.Errorf("send wake-up line: %w", err)
		}
	} else {
		var err error
		priv, err = crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		pub, err := crypto.EncodePublicKey(priv.PublicKey())
		if err != nil {
			return err
		}
		if err := c.writeLine(protocol.HandshakeInit(pub)); err != nil {
			return fmt.Errorf("send public key: %w", err)
		}
	}

	line, err := c.readLine()
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}

	encoded, ok := protocol.ParseHandshakeResp(line)
	if !ok || priv == nil {
		// The server declined the exchange and went straight to the prompt.
		c.prompt = line
		return nil
	}

	peer, err := crypto.DecodePublicKey(encoded)
	if err != nil {
		return err
	}
	key, err := crypto.EstablishSessionKey(priv, peer)
	if err != nil {
		return err
	}
	c.key = key
	c.fingerprint = crypto.DeriveFingerprint(peer.Bytes())

	if c.prompt, err = c.readLine(); err != nil {
		return fmt.Errorf("read nickname prompt: %w", err)
	}
	return nil
}

// Prompt is the nickname request the server sent.
func (c *Client) Prompt() string { return c.prompt }

// Encrypted reports whether a session key was negotiated.
func (c *Client) Encrypted() bool { return c.key != nil }

// ServerFingerprint identifies the server's ephemeral public key, or is
// empty in plaintext mode.
func (c *Client) ServerFingerprint() string { return c.fingerprint }

// Join answers the nickname prompt.
func (c *Client) Join(nick string) error {
	return c.writeLine(nick)
}

// Send writes one line. Commands travel as-is; chat text is sealed when a
// session key exists.
func (c *Client) Send(text string) error {
	if c.key == nil || protocol.ParseCommand(text).Kind != protocol.KindChat {
		return c.writeLine(text)
	}

	blob, err := c.key.Encrypt(text)
	if err != nil {
		return err
	}
	return c.writeLine(protocol.Envelope(blob))
}

// Receive returns the next line from the server, opening envelopes. A line
// that cannot be opened yields a *crypto.DecryptionError; the connection
// stays usable.
func (c *Client) Receive() (string, error) {
	line, err := c.readLine()
	if err != nil {
		return "", err
	}

	blob, ok := protocol.ParseEnvelope(line)
	if !ok || c.key == nil {
		return line, nil
	}
	return c.key.Decrypt(blob)
}

// Quit asks the server to end the session.
func (c *Client) Quit() error {
	return c.writeLine(protocol.CommandQuit)
}

// SetReadDeadline bounds the next Receive.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close drops the session key and closes the connection.
func (c *Client) Close() error {
	if c.key != nil {
		c.key.Destroy()
	}
	return c.conn.Close()
}

func (c *Client) readLine() (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return c.scanner.Text(), nil
}

func (c *Client) writeLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return c.w.Flush()
}
