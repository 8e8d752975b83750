package udp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/utpmesh/utpd/utp"
)

func TestLoopbackRoundTripWithAuthentication(t *testing.T) {
	keyA, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	keyB, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}

	overlayA, pubA, err := Listen("127.0.0.1:0", keyA)
	if err != nil {
		t.Fatalf("Listen(A) error = %v", err)
	}
	defer overlayA.Close()

	overlayB, pubB, err := Listen("127.0.0.1:0", keyB)
	if err != nil {
		t.Fatalf("Listen(B) error = %v", err)
	}
	defer overlayB.Close()

	if err := overlayA.AddPeer(pubB, overlayB.conn.LocalAddr().String()); err != nil {
		t.Fatalf("A.AddPeer(B) error = %v", err)
	}
	if err := overlayB.AddPeer(pubA, overlayA.conn.LocalAddr().String()); err != nil {
		t.Fatalf("B.AddPeer(A) error = %v", err)
	}

	received := make(chan []byte, 1)
	overlayB.SetFrameHandler(func(peer utp.PeerID, raw []byte) {
		if peer != pubA {
			t.Errorf("received frame attributed to wrong peer")
		}
		received <- raw
	})
	go overlayB.Serve()

	payload := []byte("authenticated datagram")
	if err := overlayA.SendFrame(pubB, payload); err != nil {
		t.Fatalf("SendFrame() error = %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("received %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the datagram")
	}
}

func TestUnauthenticatedSenderIsDropped(t *testing.T) {
	keyB, _ := GeneratePrivateKey()
	keyC, _ := GeneratePrivateKey()

	overlayB, _, err := Listen("127.0.0.1:0", keyB)
	if err != nil {
		t.Fatalf("Listen(B) error = %v", err)
	}
	defer overlayB.Close()

	overlayC, _, err := Listen("127.0.0.1:0", keyC)
	if err != nil {
		t.Fatalf("Listen(C) error = %v", err)
	}
	defer overlayC.Close()

	received := make(chan []byte, 1)
	overlayB.SetFrameHandler(func(peer utp.PeerID, raw []byte) { received <- raw })
	go overlayB.Serve()

	// C sends straight at B's socket without ever being added as a peer
	// on either side, so B has no session to authenticate it with.
	bAddr := overlayB.conn.LocalAddr().(*net.UDPAddr)
	if _, err := overlayC.conn.WriteToUDP(bytes.Repeat([]byte{0x01}, 64), bAddr); err != nil {
		t.Fatalf("raw WriteToUDP() error = %v", err)
	}

	select {
	case <-received:
		t.Fatal("expected the unregistered sender's datagram to be dropped")
	case <-time.After(200 * time.Millisecond):
	}
}
