// Package udp is a reference carrier for the uTP engine: it satisfies
// utp.FrameSender over real UDP sockets, authenticating every
// datagram per peer with a ChaCha20-Poly1305 AEAD envelope keyed by
// an X25519 key agreement, so an off-path attacker cannot forge frames
// into a connection it isn't party to. Inbound nonces are not tracked,
// so a captured datagram replayed from the peer's address is accepted
// again.
package udp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"crypto/sha256"

	"github.com/utpmesh/utpd/utp"
)

const (
	hkdfInfo  = "utpmesh-overlay-udp-v1"
	nonceSize = chacha20poly1305.NonceSize
	tagSize   = 16
)

// peerSession holds the derived AEAD and a monotonic send counter
// used to build unique nonces, mirroring the counter+random-prefix
// discipline of a frame encryptor: one send-direction counter per
// peer, plus a random prefix generated once per session.
type peerSession struct {
	aead         interface {
		Seal([]byte, []byte, []byte, []byte) []byte
		Open([]byte, []byte, []byte, []byte) ([]byte, error)
		NonceSize() int
	}
	sendCounter  uint64
	randomPrefix [4]byte
	addr         *net.UDPAddr
}

func (s *peerSession) nextNonce() [nonceSize]byte {
	var n [nonceSize]byte
	count := atomic.AddUint64(&s.sendCounter, 1) - 1
	binary.LittleEndian.PutUint64(n[0:8], count)
	copy(n[8:12], s.randomPrefix[:])
	return n
}

// Overlay is a UDP-backed implementation of utp.FrameSender. Register
// peers with AddPeer before sending to or receiving from them.
type Overlay struct {
	conn       *net.UDPConn
	privateKey [32]byte

	mu          sync.RWMutex
	sessions    map[utp.PeerID]*peerSession
	addrToPeer  map[string]utp.PeerID

	onFrame func(peer utp.PeerID, raw []byte)
}

// Listen opens a UDP socket at listenAddr. privateKey is this node's
// static X25519 private scalar; its corresponding public key, used as
// this node's own utp.PeerID by every peer, is returned alongside.
func Listen(listenAddr string, privateKey [32]byte) (*Overlay, [32]byte, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("overlay/udp: resolve %s: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("overlay/udp: listen %s: %w", listenAddr, err)
	}

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &privateKey)

	o := &Overlay{
		conn:       conn,
		privateKey: privateKey,
		sessions:   make(map[utp.PeerID]*peerSession),
		addrToPeer: make(map[string]utp.PeerID),
	}
	return o, pub, nil
}

// GeneratePrivateKey returns a fresh random X25519 private scalar.
func GeneratePrivateKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("overlay/udp: generate private key: %w", err)
	}
	return key, nil
}

// AddPeer registers a remote peer's public key and current UDP
// endpoint, deriving the per-peer AEAD session key via X25519 + HKDF.
func (o *Overlay) AddPeer(peer utp.PeerID, udpAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("overlay/udp: resolve peer addr %s: %w", udpAddr, err)
	}

	shared, err := curve25519.X25519(o.privateKey[:], peer[:])
	if err != nil {
		return fmt.Errorf("overlay/udp: key agreement with peer: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := kdf.Read(key); err != nil {
		return fmt.Errorf("overlay/udp: derive session key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("overlay/udp: construct AEAD: %w", err)
	}

	var randomPrefix [4]byte
	if _, err := rand.Read(randomPrefix[:]); err != nil {
		return fmt.Errorf("overlay/udp: generate nonce prefix: %w", err)
	}

	o.mu.Lock()
	o.sessions[peer] = &peerSession{aead: aead, randomPrefix: randomPrefix, addr: addr}
	o.addrToPeer[addr.String()] = peer
	o.mu.Unlock()
	return nil
}

// SendFrame implements utp.FrameSender: seal frame under peer's
// session AEAD and write it to the peer's registered UDP endpoint.
func (o *Overlay) SendFrame(peer utp.PeerID, frame []byte) error {
	o.mu.RLock()
	sess, ok := o.sessions[peer]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("overlay/udp: no session registered for peer")
	}

	nonce := sess.nextNonce()
	sealed := make([]byte, nonceSize, nonceSize+len(frame)+tagSize)
	copy(sealed, nonce[:])
	sealed = sess.aead.Seal(sealed, nonce[:], frame, nil)

	_, err := o.conn.WriteToUDP(sealed, sess.addr)
	if err != nil {
		return fmt.Errorf("overlay/udp: write: %w", err)
	}
	return nil
}

// SetFrameHandler registers the callback invoked once per
// successfully authenticated inbound datagram.
func (o *Overlay) SetFrameHandler(h func(peer utp.PeerID, raw []byte)) {
	o.mu.Lock()
	o.onFrame = h
	o.mu.Unlock()
}

// Serve runs the receive loop until the socket is closed. Datagrams
// from unregistered peers, or that fail authentication, are dropped
// silently: an unauthenticated sender has no standing to reach the
// engine at all.
func (o *Overlay) Serve() error {
	buf := make([]byte, 65535)
	for {
		n, remoteAddr, err := o.conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("overlay/udp: read: %w", err)
		}
		o.dispatch(remoteAddr, buf[:n])
	}
}

// dispatch authenticates a datagram against the session registered
// for its source address, and drops it otherwise: an address with no
// registered peer, or a forged/corrupted payload, has no standing to
// reach the engine.
func (o *Overlay) dispatch(remoteAddr *net.UDPAddr, datagram []byte) {
	if len(datagram) < nonceSize+tagSize {
		return
	}

	o.mu.RLock()
	peer, known := o.addrToPeer[remoteAddr.String()]
	var sess *peerSession
	if known {
		sess = o.sessions[peer]
	}
	handler := o.onFrame
	o.mu.RUnlock()
	if !known {
		return
	}

	nonce := datagram[:nonceSize]
	ciphertext := datagram[nonceSize:]
	plaintext, err := sess.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return
	}
	if handler != nil {
		handler(peer, plaintext)
	}
}

// Close closes the underlying UDP socket.
func (o *Overlay) Close() error {
	return o.conn.Close()
}
