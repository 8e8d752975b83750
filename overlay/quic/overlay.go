// Package quic is an alternate carrier for the uTP engine, proving the
// overlay contract is transport-agnostic: it satisfies utp.FrameSender
// over QUIC's unreliable DATAGRAM extension instead of raw UDP sockets,
// so frame loss and reordering below the engine look the same as they
// do on overlay/udp, while the wire gets QUIC's TLS 1.3 record layer
// for free.
//
// Unlike overlay/udp, this carrier does not authenticate frames itself;
// it leans on the QUIC handshake for confidentiality and trusts
// AddPeer's registered address for attribution, the same way
// overlay/udp's dispatch identifies a session by source address.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/utpmesh/utpd/utp"
)

const handshakeTimeout = 5 * time.Second

// Overlay is a QUIC-backed implementation of utp.FrameSender. Datagrams
// are sent over a per-peer QUIC connection, dialed lazily on first use
// and reused afterward; inbound connections are accepted in the
// background and attributed to a peer by matching the connection's
// remote address against AddPeer's registrations.
type Overlay struct {
	listener   *quic.Listener
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	mu        sync.RWMutex
	peerAddrs map[utp.PeerID]string
	addrPeers map[string]utp.PeerID
	conns     map[utp.PeerID]*quic.Conn

	onFrame func(peer utp.PeerID, raw []byte)
}

// Listen opens a QUIC listener at listenAddr behind an ephemeral
// self-signed certificate. There is no certificate pinning here: a
// peer is trusted because AddPeer named its address, not because of
// anything presented during the TLS handshake.
func Listen(listenAddr string) (*Overlay, error) {
	cert, err := generateEphemeralCertificate()
	if err != nil {
		return nil, fmt.Errorf("overlay/quic: generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{"utpmesh-overlay-quic-v1"},
	}
	quicConfig := &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("overlay/quic: resolve %s: %w", listenAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("overlay/quic: listen %s: %w", listenAddr, err)
	}

	listener, err := quic.Listen(udpConn, tlsConfig, quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("overlay/quic: listen %s: %w", listenAddr, err)
	}

	return &Overlay{
		listener:   listener,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		peerAddrs:  make(map[utp.PeerID]string),
		addrPeers:  make(map[string]utp.PeerID),
		conns:      make(map[utp.PeerID]*quic.Conn),
	}, nil
}

// LocalAddr returns the address the listener is bound to.
func (o *Overlay) LocalAddr() net.Addr {
	return o.listener.Addr()
}

// AddPeer registers the dial address used to reach peer and the
// attribution used to identify datagrams arriving from it.
func (o *Overlay) AddPeer(peer utp.PeerID, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("overlay/quic: resolve peer addr %s: %w", addr, err)
	}

	o.mu.Lock()
	o.peerAddrs[peer] = udpAddr.String()
	o.addrPeers[udpAddr.String()] = peer
	o.mu.Unlock()
	return nil
}

// SetFrameHandler registers the callback invoked once per inbound
// datagram attributed to a known peer.
func (o *Overlay) SetFrameHandler(h func(peer utp.PeerID, raw []byte)) {
	o.mu.Lock()
	o.onFrame = h
	o.mu.Unlock()
}

// SendFrame implements utp.FrameSender: it reuses an existing QUIC
// connection to peer, dialing one on first use, and sends frame as an
// unreliable DATAGRAM rather than over a stream.
func (o *Overlay) SendFrame(peer utp.PeerID, frame []byte) error {
	conn, err := o.connFor(peer)
	if err != nil {
		return err
	}
	if err := conn.SendDatagram(frame); err != nil {
		return fmt.Errorf("overlay/quic: send datagram: %w", err)
	}
	return nil
}

func (o *Overlay) connFor(peer utp.PeerID) (*quic.Conn, error) {
	o.mu.RLock()
	conn, ok := o.conns[peer]
	addr, hasAddr := o.peerAddrs[peer]
	o.mu.RUnlock()
	if ok {
		return conn, nil
	}
	if !hasAddr {
		return nil, fmt.Errorf("overlay/quic: no address registered for peer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, o.tlsConfig, o.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("overlay/quic: dial %s: %w", addr, err)
	}

	o.mu.Lock()
	o.conns[peer] = conn
	o.mu.Unlock()

	go o.receiveLoop(peer, conn)
	return conn, nil
}

// Serve accepts inbound QUIC connections until the listener is closed,
// attributing each to a peer by its remote address and spawning a
// datagram receive loop for it. A connection from an address nobody
// registered with AddPeer is accepted (the QUIC handshake has already
// happened) but closed immediately, since it has no peer to attribute
// frames to.
func (o *Overlay) Serve() error {
	for {
		conn, err := o.listener.Accept(context.Background())
		if err != nil {
			return fmt.Errorf("overlay/quic: accept: %w", err)
		}

		o.mu.RLock()
		peer, known := o.addrPeers[conn.RemoteAddr().String()]
		o.mu.RUnlock()
		if !known {
			conn.CloseWithError(1, "unregistered peer")
			continue
		}

		o.mu.Lock()
		o.conns[peer] = conn
		o.mu.Unlock()
		go o.receiveLoop(peer, conn)
	}
}

func (o *Overlay) receiveLoop(peer utp.PeerID, conn *quic.Conn) {
	for {
		data, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			o.mu.Lock()
			if o.conns[peer] == conn {
				delete(o.conns, peer)
			}
			o.mu.Unlock()
			return
		}

		o.mu.RLock()
		handler := o.onFrame
		o.mu.RUnlock()
		if handler != nil {
			handler(peer, data)
		}
	}
}

// Close shuts down the listener and every open connection.
func (o *Overlay) Close() error {
	o.mu.Lock()
	for peer, conn := range o.conns {
		conn.CloseWithError(0, "overlay closed")
		delete(o.conns, peer)
	}
	o.mu.Unlock()
	return o.listener.Close()
}

func generateEphemeralCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"utpmesh"}, CommonName: "utpd overlay/quic"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
