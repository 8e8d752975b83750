// Package mux implements the connection table that multiplexes many
// uTP connections, across many peers, over a single inbound frame
// stream.
package mux

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/utpmesh/utpd/utp/clock"
	"github.com/utpmesh/utpd/utp/connstate"
	"github.com/utpmesh/utpd/utp/frame"
)

// SweepInterval is how often the table reaps finished, sufficiently
// idle connections.
const SweepInterval = 30 * time.Second

// PeerID identifies a remote endpoint. It is opaque to the core but
// must be comparable, since it is used as a map key; the reference
// overlay uses a 32-byte authenticated peer identifier.
type PeerID [32]byte

// String renders a PeerID as lowercase hex, the same form it's
// configured and logged in everywhere else.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// MarshalJSON renders a PeerID as a hex string rather than a JSON
// array of 32 numbers, for the dashboards consuming utp.Stats.
func (p PeerID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// FrameSender is the send-side half of the overlay contract: deliver
// frame_bytes to peer on a best-effort, non-blocking basis.
type FrameSender interface {
	SendFrame(peer PeerID, frameBytes []byte)
}

// conn is the subset of Sender/Receiver behavior the table needs to
// drive a connection without knowing which kind it is.
type conn interface {
	OnFrame(f frame.Frame) []frame.Frame
	IsComplete() bool
	FrameIsValid(f frame.Frame) bool
	Close() (frame.Frame, bool)
	ConnIDSend() connstate.ConnID
	LastTimestampUS() uint64
	State() connstate.State
}

// Snapshot is a read-only view of one table entry, for callers that
// want to observe the multiplexer's state without reaching into its
// internals (the engine's facade exposes this as utp.Stats).
type Snapshot struct {
	Peer            PeerID
	ConnID          connstate.ConnID
	State           connstate.State
	LastTimestampUS uint64
}

// Snapshot returns a point-in-time copy of every tracked connection.
func (t *Table) Snapshot() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Snapshot
	for peer, peerConns := range t.peers {
		for connID, c := range peerConns {
			out = append(out, Snapshot{
				Peer:            peer,
				ConnID:          connID,
				State:           c.State(),
				LastTimestampUS: c.LastTimestampUS(),
			})
		}
	}
	return out
}

// Table is `connections[peer_id][conn_id] -> Connection`, plus the
// dispatch and sweep logic of the multiplexer.
type Table struct {
	mu sync.Mutex

	sender FrameSender
	clk    clock.Clock
	// sched is handed to every Sender/Receiver this table installs, so
	// their idle, retry, and gap-request timers fire through
	// mutexScheduler (see below) rather than directly on whatever
	// goroutine the underlying clock.Scheduler runs callbacks on.
	// Without this, a connection's own timer firing (e.g.
	// clock.ChanScheduler delivering it to the engine's event loop)
	// would mutate receiveBuffer/state concurrently with Snapshot's
	// locked reads, or with HandleInbound itself if the two land on
	// different goroutines.
	sched clock.Scheduler
	// rawSched is the unwrapped scheduler sched was built from. sweep
	// takes t.mu itself before touching t.peers, so it (and its own
	// reschedule) must run on rawSched: scheduling it through the
	// locking sched would deadlock the mutex on the very next firing.
	rawSched clock.Scheduler

	onComplete func(peer PeerID, data []byte)

	peers map[PeerID]map[connstate.ConnID]conn

	sweepTimer clock.Timer
}

// New constructs a Table. onComplete is invoked once per completed
// stream, with the peer it arrived from and the assembled payload.
func New(sender FrameSender, clk clock.Clock, sched clock.Scheduler, onComplete func(peer PeerID, data []byte)) *Table {
	t := &Table{
		sender:     sender,
		clk:        clk,
		onComplete: onComplete,
		peers:      make(map[PeerID]map[connstate.ConnID]conn),
	}
	t.rawSched = sched
	t.sched = mutexScheduler{inner: sched, mu: &t.mu}
	t.sweepTimer = t.rawSched.After(SweepInterval, t.sweep)
	return t
}

// mutexScheduler wraps a clock.Scheduler so that every callback it
// fires runs with mu held, regardless of which goroutine actually
// invokes it. Connections never take the table's lock themselves, so
// this is what makes their timer-driven state changes (idle timeout,
// retry/gap-request) safe to run concurrently with Table's own locked
// methods.
type mutexScheduler struct {
	inner clock.Scheduler
	mu    *sync.Mutex
}

func (s mutexScheduler) After(d time.Duration, f func()) clock.Timer {
	return s.inner.After(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		f()
	})
}

// Send allocates a Sender for data, registers it under its chosen
// conn_id_recv, and emits the resulting SYN frame to peer.
func (t *Table) Send(peer PeerID, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := connstate.NewSender(data, t.clk, t.sched)
	t.install(peer, s.ConnIDRecv(), s)

	syn := s.CreateSyn()
	t.emit(peer, syn)
}

// HandleInbound decodes a single datagram from peer and dispatches it
// to the connection it belongs to, creating a fresh Receiver when the
// frame is an unrecognized connection id's SYN.
func (t *Table) HandleInbound(peer PeerID, raw []byte) error {
	f, err := frame.Decode(raw, t.clk.NowMicro())
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	peerConns := t.peers[peer]
	if peerConns == nil {
		peerConns = make(map[connstate.ConnID]conn)
		t.peers[peer] = peerConns
	}

	c, key, exists := t.lookup(peerConns, f.ConnectionID)
	if !exists {
		if f.Type != frame.TypeSyn {
			return nil
		}
		altID := f.ConnectionID + 1
		r := connstate.NewReceiver(
			t.clk, t.sched,
			func(data []byte) { t.deliver(peer, data) },
			func(gap frame.Frame) { t.emit(peer, gap) },
		)
		peerConns[altID] = r
		c, key = r, altID
	} else if !c.FrameIsValid(f) {
		return nil
	}

	for _, out := range c.OnFrame(f) {
		t.emit(peer, out)
	}

	if c.IsComplete() {
		if resetFrame, ok := c.Close(); ok {
			t.emit(peer, resetFrame)
		}
		delete(peerConns, key)
		if len(peerConns) == 0 {
			delete(t.peers, peer)
		}
	}

	return nil
}

// lookup finds a connection by its table key. Every frame a peer
// sends for an established connection already carries, as its
// connection_id, whatever id that connection was filed under here
// (its own conn_id_recv for a Sender, or the alt_id a Receiver was
// installed at); the +1 remapping is only ever needed once, to choose
// that alt_id for a brand new SYN.
func (t *Table) lookup(peerConns map[connstate.ConnID]conn, connID connstate.ConnID) (conn, connstate.ConnID, bool) {
	if c, ok := peerConns[connID]; ok {
		return c, connID, true
	}
	return nil, 0, false
}

func (t *Table) install(peer PeerID, connID connstate.ConnID, c conn) {
	peerConns := t.peers[peer]
	if peerConns == nil {
		peerConns = make(map[connstate.ConnID]conn)
		t.peers[peer] = peerConns
	}
	peerConns[connID] = c
}

func (t *Table) emit(peer PeerID, f frame.Frame) {
	wire, err := frame.Encode(f)
	if err != nil {
		return
	}
	t.sender.SendFrame(peer, wire)
}

func (t *Table) deliver(peer PeerID, data []byte) {
	if t.onComplete != nil {
		t.onComplete(peer, data)
	}
}

// sweep removes completed connections that have gone quiet, and drops
// any peer entry left empty, then reschedules itself.
func (t *Table) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.NowMicro()
	for peer, peerConns := range t.peers {
		for connID, c := range peerConns {
			if !c.IsComplete() {
				continue
			}
			elapsed := int64(now) - int64(c.LastTimestampUS())
			if elapsed < int64(connstate.MaxUTPIdle.Microseconds()) {
				continue
			}
			delete(peerConns, connID)
		}
		if len(peerConns) == 0 {
			delete(t.peers, peer)
		}
	}

	t.sweepTimer = t.rawSched.After(SweepInterval, t.sweep)
}

// Stop cancels the periodic sweep.
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepTimer.Stop()
}
