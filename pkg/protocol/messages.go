// Package protocol defines the newline-delimited line protocol spoken between
// relaychat clients and the relay.
package protocol

import (
	"fmt"
	"strings"
)

// Wire prefixes
const (
	PrefixHandshakeInit = "DHINIT:"
	PrefixHandshakeResp = "DHRESP:"
	PrefixEncrypted     = "ENC:"
)

// Commands
const (
	CommandNick = "/nick"
	CommandQuit = "/quit"
)

// Fixed server texts
const (
	NicknamePrompt = "enter a nickname: "
	Unreadable     = "[unreadable message]"
	ShutdownNotice = "Server is shutting down..."
	NickUsage      = "Invalid nickname command. Usage: /nick <new_nickname>"
)

// Kind classifies a line received from a client once the handshake is over.
type Kind int

const (
	KindChat Kind = iota
	KindNick
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindNick:
		return "nick"
	case KindQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Command is a parsed client line.
type Command struct {
	Kind Kind
	// Arg is the new nickname for KindNick (empty when missing) and the
	// full line for KindChat.
	Arg string
}

// ParseCommand classifies a client line.
func ParseCommand(line string) Command {
	switch {
	case line == CommandQuit || strings.HasPrefix(line, CommandQuit+" "):
		return Command{Kind: KindQuit}
	case line == CommandNick || strings.HasPrefix(line, CommandNick+" "):
		return Command{Kind: KindNick, Arg: strings.TrimSpace(strings.TrimPrefix(line, CommandNick))}
	default:
		return Command{Kind: KindChat, Arg: line}
	}
}

// HandshakeInit builds the client's key exchange line.
func HandshakeInit(publicKey string) string {
	return PrefixHandshakeInit + publicKey
}

// HandshakeResp builds the server's key exchange reply.
func HandshakeResp(publicKey string) string {
	return PrefixHandshakeResp + publicKey
}

// ParseHandshakeInit returns the encoded public key of a DHINIT line.
func ParseHandshakeInit(line string) (string, bool) {
	return cut(line, PrefixHandshakeInit)
}

// ParseHandshakeResp returns the encoded public key of a DHRESP line.
func ParseHandshakeResp(line string) (string, bool) {
	return cut(line, PrefixHandshakeResp)
}

// Envelope wraps a base64 sealed blob for the wire.
func Envelope(blob string) string {
	return PrefixEncrypted + blob
}

// ParseEnvelope returns the blob of an ENC line.
func ParseEnvelope(line string) (string, bool) {
	return cut(line, PrefixEncrypted)
}

func cut(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return line[len(prefix):], true
}

// ChatLine formats a relayed chat message.
func ChatLine(nick, text string) string {
	return fmt.Sprintf("%s: %s", nick, text)
}

// JoinedNotice announces a session becoming active.
func JoinedNotice(nick string) string {
	return fmt.Sprintf("%s joined the chat", nick)
}

// RenamedNotice announces a nickname change.
func RenamedNotice(oldNick, newNick string) string {
	return fmt.Sprintf("%s renamed to %s", oldNick, newNick)
}

// RenameAck confirms a nickname change to the renamer.
func RenameAck(nick string) string {
	return "Nickname successfully changed to " + nick
}

// DisconnectedNotice announces a session leaving.
func DisconnectedNotice(nick string) string {
	return fmt.Sprintf("%s has disconnected.", nick)
}
