package tunbridge

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/utpmesh/utpd/utp"
)

// pipeDevice is an in-memory stand-in for a *water.Interface: writes
// to it become readable from ReadOut, and bytes pushed via FeedIn
// become readable through Read, so tests never need a real kernel TUN
// device.
type pipeDevice struct {
	in     io.ReadCloser
	inW    io.WriteCloser
	out    io.ReadCloser
	outW   io.WriteCloser
	closed bool
	mu     sync.Mutex
}

func newPipeDevice() *pipeDevice {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &pipeDevice{in: inR, inW: inW, out: outR, outW: outW}
}

func (p *pipeDevice) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipeDevice) Write(b []byte) (int, error) { return p.outW.Write(b) }
func (p *pipeDevice) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.inW.Close()
	p.out.Close()
	return nil
}

// FeedIn simulates the kernel delivering packet to the device, as if
// an application had sent it out this interface.
func (p *pipeDevice) FeedIn(packet []byte) {
	go p.inW.Write(packet)
}

// ReadOut reads one packet the bridge wrote to the device.
func (p *pipeDevice) ReadOut(buf []byte) (int, error) {
	return p.out.Read(buf)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentPacket
}

type sentPacket struct {
	peer utp.PeerID
	data []byte
}

func (r *recordingSender) Send(peer utp.PeerID, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentPacket{peer: peer, data: append([]byte(nil), data...)})
}

func peerID(b byte) utp.PeerID {
	var p utp.PeerID
	p[0] = b
	return p
}

func TestOnStreamCompleteWritesPacketToDevice(t *testing.T) {
	dev := newPipeDevice()
	sender := &recordingSender{}
	b := newBridge(dev, "utp-test0", sender)
	defer b.Close()

	payload := []byte("completed uTP stream payload")
	b.OnStreamComplete(peerID(0x01), payload)

	buf := make([]byte, 1500)
	n, err := dev.ReadOut(buf)
	if err != nil {
		t.Fatalf("ReadOut() error = %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("got %q, want %q", buf[:n], payload)
	}
}

func TestServeRoutesPacketReadFromDeviceToPeer(t *testing.T) {
	dev := newPipeDevice()
	sender := &recordingSender{}
	b := newBridge(dev, "utp-test1", sender)
	defer b.Close()

	target := peerID(0x02)
	b.SetRoute(func(packet []byte) (utp.PeerID, bool) { return target, true })

	go b.Serve()

	packet := []byte("outbound ip packet")
	dev.FeedIn(packet)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		n := len(sender.sent)
		sender.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sender.sent))
	}
	if sender.sent[0].peer != target {
		t.Errorf("routed to wrong peer")
	}
	if !bytes.Equal(sender.sent[0].data, packet) {
		t.Errorf("got %q, want %q", sender.sent[0].data, packet)
	}
}

func TestServeDropsPacketWithNoRoute(t *testing.T) {
	dev := newPipeDevice()
	sender := &recordingSender{}
	b := newBridge(dev, "utp-test2", sender)
	defer b.Close()

	go b.Serve()
	dev.FeedIn([]byte("nobody claims this packet"))

	time.Sleep(100 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d packets, want 0 with no route installed", len(sender.sent))
	}
}
