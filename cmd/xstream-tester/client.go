package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gordian-engine/xstream/behaviours/xecho"
	"github.com/gordian-engine/xstream/behaviours/xidentify"
	"github.com/gordian-engine/xstream/behaviours/xping"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xswarm"
	"github.com/spf13/cobra"
)

// withPeer starts a node, dials addr, and calls fn with the connected peer.
// The node is stopped before withPeer returns.
func withPeer(
	cmd *cobra.Command,
	st *cliState,
	addr string,
	fn func(ctx context.Context, n *runningNode, peer xcert.PeerID) error,
) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	n, err := startNode(ctx, st)
	if err != nil {
		return err
	}
	defer n.Wait()
	defer cancel()

	peer, err := n.Dial(ctx, raddr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return fn(ctx, n, peer)
}

func newPingCmd(st *cliState) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping <addr>",
		Short: "Measure round-trip time to the node at addr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be positive (got %d)", count)
			}

			return withPeer(cmd, st, args[0], func(ctx context.Context, n *runningNode, peer xcert.PeerID) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				sw := xswarm.New(ctx, st.log.With("sys", "swarm"), xswarm.Behaviour[xping.Request, xping.Result](xping.Behaviour{
					Log:    st.log.With("sys", "ping"),
					Opener: n,
				}))
				defer sw.Wait()
				defer cancel()

				tail := sw.Events()
				id, err := sw.Submit(ctx, xping.Request{Peer: peer, Count: count, Interval: interval})
				if err != nil {
					return err
				}

				seen := 0
				for e := range tail.All(ctx) {
					if e.CommandID != id {
						continue
					}
					r := e.Body
					if r.Err != nil {
						return fmt.Errorf("ping %d failed: %w", r.Seq, r.Err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "seq=%d peer=%s rtt=%s\n", r.Seq, r.Peer, r.RTT)

					seen++
					if seen == count {
						return nil
					}
				}
				return context.Cause(ctx)
			})
		},
	}

	f := cmd.Flags()
	f.IntVarP(&count, "count", "c", 4, "number of pings")
	f.DurationVarP(&interval, "interval", "i", time.Second, "pause between pings")
	return cmd
}

func newEchoCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "echo <addr> <message>...",
		Short: "Send a message to the node at addr and print the echo",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.Join(args[1:], " ")
			return withPeer(cmd, st, args[0], func(ctx context.Context, n *runningNode, peer xcert.PeerID) error {
				reply, err := xecho.Echo(ctx, n, peer, []byte(msg))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(reply))
				return nil
			})
		},
	}
}

func newIdentifyCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "identify <addr>",
		Short: "Print the identity and protocols of the node at addr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeer(cmd, st, args[0], func(ctx context.Context, n *runningNode, peer xcert.PeerID) error {
				info, err := xidentify.Identify(ctx, n, peer)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "peer: %s\n", info.Peer.Hex())
				for _, a := range info.ListenAddrs {
					fmt.Fprintf(out, "addr: %s\n", a)
				}
				for i, ok := info.Protocols.NextSet(0); ok; i, ok = info.Protocols.NextSet(i + 1) {
					fmt.Fprintf(out, "protocol: 0x%02x\n", i)
				}
				return nil
			})
		},
	}
}
