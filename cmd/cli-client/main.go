package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"relaychat/pkg/client"
	"relaychat/pkg/crypto"
	"relaychat/pkg/protocol"
	"relaychat/pkg/serverlink"
)

var version = "1.0.0"

type options struct {
	nick      string
	plaintext bool
	proxies   []string
	timeout   time.Duration
}

func main() {
	// Interrupts cancel the command context so chat can send /quit; the
	// enclaves are wiped here on the way out.
	defer memguard.Purge()

	if err := newRootCmd().Execute(); err != nil {
		memguard.SafeExit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "relaychat [address]",
		Short: "Connect to a relaychat server",
		Long: "Connect to a relaychat server. The address is host[:port], " +
			"tcp://host[:port] or tor://<v3>.onion[:port]; .onion hosts are " +
			"reached through a local Tor SOCKS5 proxy.",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewScanner(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			addr := ""
			if len(args) == 1 {
				addr = args[0]
			} else {
				fmt.Fprint(out, "Server address: ")
				if !in.Scan() {
					return errors.New("no server address given")
				}
				addr = in.Text()
			}

			link, err := serverlink.Parse(addr)
			if err != nil {
				return fmt.Errorf("invalid address: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return chat(ctx, link, opts, in, out)
		},
	}

	cmd.Flags().StringVarP(&opts.nick, "nick", "n", "", "nickname (prompted for when empty)")
	cmd.Flags().BoolVar(&opts.plaintext, "plaintext", false, "skip the key exchange and chat unencrypted")
	cmd.Flags().StringSliceVar(&opts.proxies, "proxy", nil, "SOCKS5 proxy URLs for .onion addresses (default: local Tor ports 9050, 9150)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", serverlink.DefaultConnectionTimeout, "connection timeout")
	return cmd
}

func chat(ctx context.Context, link serverlink.Link, opts options, in *bufio.Scanner, out io.Writer) error {
	dialer := serverlink.NewDialer()
	dialer.Timeout = opts.timeout
	if len(opts.proxies) > 0 {
		dialer.ProxyAddresses = opts.proxies
	}
	if link.Protocol == serverlink.Tor && !dialer.IsAvailable() {
		return fmt.Errorf("no Tor SOCKS5 proxy reachable at %s", strings.Join(dialer.ProxyAddresses, ", "))
	}

	fmt.Fprintf(out, "Connecting to %s...\n", link)
	c, err := client.Dial(ctx, link, client.Options{Plaintext: opts.plaintext, Dialer: dialer})
	if err != nil {
		return err
	}
	defer c.Close()

	if c.Encrypted() {
		fmt.Fprintf(out, "Secure session established (server key %s)\n", c.ServerFingerprint())
	} else {
		fmt.Fprintln(out, "WARNING: session is not encrypted")
	}

	nick := opts.nick
	if nick == "" {
		fmt.Fprint(out, c.Prompt())
		if in.Scan() {
			nick = in.Text()
		}
	}
	if err := c.Join(nick); err != nil {
		return err
	}

	received := make(chan error, 1)
	go func() {
		for {
			line, err := c.Receive()
			if err != nil {
				var decErr *crypto.DecryptionError
				if errors.As(err, &decErr) {
					fmt.Fprintln(out, protocol.Unreadable)
					continue
				}
				received <- err
				return
			}
			fmt.Fprintln(out, line)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.Quit(); err == nil {
				waitClosed(received)
			}
			return nil
		case err := <-received:
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "Disconnected by server")
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				line = protocol.CommandQuit
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := c.Send(line); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			if protocol.ParseCommand(line).Kind == protocol.KindQuit {
				waitClosed(received)
				return nil
			}
		}
	}
}

// waitClosed gives the server a moment to flush and close after /quit.
func waitClosed(received <-chan error) {
	select {
	case <-received:
	case <-time.After(2 * time.Second):
	}
}
