// Package tunbridge feeds completed uTP byte-streams into a TUN
// device as raw IP packets, and reads IP packets back off the device
// to send out over uTP streams to their addressed peer, giving uTP the
// same place in the stack a reliable tunnel like WireGuard or kcptun
// occupies.
package tunbridge

import (
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"sync"

	"github.com/songgao/water"

	"github.com/utpmesh/utpd/utp"
)

// device is the subset of *water.Interface the bridge needs, narrowed
// so tests can substitute an in-memory pipe instead of a real TUN
// device (which requires root and a Linux/Darwin kernel).
type device interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// StreamSender is the subset of *utp.Engine the bridge sends completed
// packets back out through.
type StreamSender interface {
	Send(peer utp.PeerID, data []byte)
}

// Bridge connects one TUN device to the uTP engine: every completed
// stream from a peer is written to the device as an IP packet, and
// every packet read off the device is routed to a peer by Route and
// sent as a new uTP stream.
type Bridge struct {
	iface      device
	name       string
	sender     StreamSender
	writeQueue chan []byte

	mu    sync.RWMutex
	route func(packet []byte) (utp.PeerID, bool)

	closed  bool
	closeMu sync.Mutex
	wg      sync.WaitGroup
}

// Open creates or attaches to a TUN device named name (a name of ""
// lets the kernel assign one) and starts its async write worker.
func Open(name string, sender StreamSender) (*Bridge, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if name != "" {
		cfg.Name = name
	}

	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tunbridge: create TUN device: %w", err)
	}

	b := newBridge(iface, iface.Name(), sender)
	return b, nil
}

func newBridge(iface device, name string, sender StreamSender) *Bridge {
	b := &Bridge{
		iface:      iface,
		name:       name,
		sender:     sender,
		writeQueue: make(chan []byte, 4096),
	}
	b.wg.Add(1)
	go b.writeWorker()
	return b
}

// ConfigureAddress assigns addr/prefixLen to the device and brings it
// up, shelling out to the platform's network configuration tool the
// same way a VPN client would.
func (b *Bridge) ConfigureAddress(addr string, prefixLen int) error {
	if runtime.GOOS == "darwin" {
		cmd := exec.Command("ifconfig", b.name, addr, addr, "up")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("tunbridge: configure %s: %w (%s)", b.name, err, out)
		}
		return nil
	}

	if err := exec.Command("ip", "link", "set", "dev", b.name, "up").Run(); err != nil {
		return fmt.Errorf("tunbridge: bring up %s: %w", b.name, err)
	}
	cidr := fmt.Sprintf("%s/%d", addr, prefixLen)
	if err := exec.Command("ip", "addr", "add", cidr, "dev", b.name).Run(); err != nil {
		log.Printf("tunbridge: set address on %s (may already be set): %v", b.name, err)
	}
	return nil
}

// SetRoute installs the function used to decide which peer an
// outbound IP packet read from the device belongs to.
func (b *Bridge) SetRoute(route func(packet []byte) (utp.PeerID, bool)) {
	b.mu.Lock()
	b.route = route
	b.mu.Unlock()
}

// Name returns the TUN device's kernel-assigned name.
func (b *Bridge) Name() string {
	return b.name
}

// OnStreamComplete is installed as the engine's stream-complete
// callback: every finished uTP stream from peer is queued to be
// written into the TUN device as one IP packet.
func (b *Bridge) OnStreamComplete(peer utp.PeerID, data []byte) {
	packet := make([]byte, len(data))
	copy(packet, data)

	select {
	case b.writeQueue <- packet:
	default:
		log.Printf("tunbridge: write queue full, dropping packet from peer (retransmission happens above this layer)")
	}
}

func (b *Bridge) writeWorker() {
	defer b.wg.Done()
	for packet := range b.writeQueue {
		if _, err := b.iface.Write(packet); err != nil {
			log.Printf("tunbridge: write to %s failed: %v", b.name, err)
		}
	}
}

// Serve reads packets off the TUN device until it is closed, routing
// each to a peer via SetRoute's function and sending it as a new uTP
// stream. A packet that fails to route (no peer matches its
// destination) is dropped silently.
func (b *Bridge) Serve() error {
	buf := make([]byte, 65535)
	for {
		n, err := b.iface.Read(buf)
		if err != nil {
			return fmt.Errorf("tunbridge: read from %s: %w", b.name, err)
		}

		b.mu.RLock()
		route := b.route
		b.mu.RUnlock()
		if route == nil {
			continue
		}

		peer, ok := route(buf[:n])
		if !ok {
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		b.sender.Send(peer, packet)
	}
}

// Close shuts down the write worker and closes the underlying device.
func (b *Bridge) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	close(b.writeQueue)
	b.wg.Wait()
	return b.iface.Close()
}
