package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/utpmesh/utpd/overlay/udp"
	"github.com/utpmesh/utpd/utp"
)

func newSendCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <peer-public-key-hex> <peer-addr> <message>",
		Short: "open a one-off uTP stream to a peer over the UDP overlay and send message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(args[0], args[1], args[2], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the stream to complete")
	return cmd
}

func runSend(peerHex, peerAddr, message string, timeout time.Duration) error {
	peerBytes, err := hex.DecodeString(peerHex)
	if err != nil || len(peerBytes) != 32 {
		return fmt.Errorf("utpd: peer public key must be 64 hex characters (32 bytes)")
	}
	var peer utp.PeerID
	copy(peer[:], peerBytes)

	privateKey, err := udp.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("utpd: generate ephemeral key: %w", err)
	}
	overlay, _, err := udp.Listen("127.0.0.1:0", privateKey)
	if err != nil {
		return fmt.Errorf("utpd: start overlay: %w", err)
	}
	defer overlay.Close()

	if err := overlay.AddPeer(peer, peerAddr); err != nil {
		return fmt.Errorf("utpd: register peer: %w", err)
	}

	engine := utp.New(overlay, utp.SystemClock{})
	overlay.SetFrameHandler(engine.OnFrameReceived)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	go overlay.Serve()
	go engine.Run(ctx)

	engine.Send(peer, []byte(message))

	// The engine never reports send-side delivery directly; holding
	// the process open for --timeout keeps it answering the peer's
	// acknowledgements and retransmission requests before we tear the
	// stream down.
	<-ctx.Done()
	fmt.Println("utpd: send window closed")
	return nil
}
