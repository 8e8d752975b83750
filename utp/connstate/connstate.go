// Package connstate implements the two uTP connection-side state
// machines (Sender and Receiver) and the bookkeeping they share:
// timers, id/version/extension validation, and hard-kill handling.
package connstate

import (
	"time"

	"github.com/utpmesh/utpd/utp/clock"
	"github.com/utpmesh/utpd/utp/frame"
)

// ConnID is a 16-bit modular connection identifier, half of the pair
// that scopes a connection within a peer.
type ConnID = uint16

// State is the lifecycle state of a uTP connection.
type State uint8

const (
	StateNone State = iota
	StateSynSent
	StateSynRecv
	StateConnected
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRecv:
		return "SYN_RECV"
	case StateConnected:
		return "CONNECTED"
	case StateFinalized:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

// Timing constants shared by both sides of a connection.
const (
	MaxUTPIdle    = 10 * time.Second
	UTPRetryTime  = 500 * time.Millisecond
	UTPWindowSize = 10
)

// base holds the fields and timer discipline common to Sender and
// Receiver, mirroring the shared superclass in the reference
// implementation this state machine is ported from.
type base struct {
	connIDRecv ConnID
	connIDSend ConnID
	seqNr      uint16
	ackNr      uint16

	lastTimestampUS uint64
	state           State
	killed          bool

	clk   clock.Clock
	sched clock.Scheduler

	idleTimer  clock.Timer
	retryTimer clock.Timer

	// retryFn is invoked each time the retry timer fires and the
	// connection's ids are bound and it is not yet finalized. Sender
	// leaves this nil (its retry timer only reschedules); Receiver
	// uses it to emit an unsolicited gap request.
	retryFn func()
}

func (b *base) init(clk clock.Clock, sched clock.Scheduler, retryFn func()) {
	b.clk = clk
	b.sched = sched
	b.retryFn = retryFn
	b.state = StateNone
	b.idleTimer = sched.After(MaxUTPIdle, b.onIdleTimeout)
	b.retryTimer = sched.After(UTPRetryTime, b.onRetryTimeout)
}

func (b *base) onIdleTimeout() {
	b.state = StateFinalized
	b.killed = true
}

// onRetryTimeout reschedules itself and then, if a retryFn was
// supplied, invokes it. It does neither once the connection is
// finalized or while its ids are not yet both bound.
func (b *base) onRetryTimeout() {
	if b.connIDRecv == 0 || b.connIDSend == 0 || b.state == StateFinalized {
		return
	}
	b.retryTimer = b.sched.After(UTPRetryTime, b.onRetryTimeout)
	if b.retryFn != nil {
		b.retryFn()
	}
}

// frameIsValid checks a frame's structural validity and, once both
// connection ids are bound, that it belongs to this connection.
func (b *base) frameIsValid(f frame.Frame) bool {
	if !f.Type.IsValid() {
		return false
	}
	if f.Version != frame.ProtocolVersion {
		return false
	}
	if !f.Extension.IsValid() {
		return false
	}
	if b.connIDRecv != 0 && b.connIDSend != 0 {
		if f.ConnectionID != b.connIDRecv && f.ConnectionID != b.connIDSend {
			return false
		}
	}
	return true
}

// applyInbound performs the bookkeeping common to both state
// machines on every accepted inbound frame: timestamp tracking, timer
// resets, and RESET/FIN-driven finalization.
func (b *base) applyInbound(f frame.Frame) {
	b.lastTimestampUS = f.TimestampUS
	b.idleTimer.Reset(MaxUTPIdle)
	b.retryTimer.Reset(UTPRetryTime)

	if f.Type == frame.TypeReset {
		b.killed = true
	}
	if f.Type == frame.TypeReset || f.Type == frame.TypeFin {
		b.state = StateFinalized
		b.idleTimer.Stop()
		b.retryTimer.Stop()
	}
}

// close cancels both timers, marks the connection killed, and — if it
// was not already finalized — returns a RESET frame to send to the
// peer. It returns ok=false when no frame should be emitted.
func (b *base) close(connIDSend uint16) (frame.Frame, bool) {
	b.killed = true
	b.idleTimer.Stop()
	b.retryTimer.Stop()

	if b.state == StateFinalized {
		return frame.Frame{}, false
	}

	now := b.clk.NowMicro()
	f := frame.Frame{
		Type:            frame.TypeReset,
		Version:         frame.ProtocolVersion,
		Extension:       frame.ExtNone,
		ConnectionID:    connIDSend,
		TimestampUS:     now,
		TimestampDiffUS: diffMicro(now, b.lastTimestampUS),
		WndSize:         0,
		SeqNr:           b.seqNr,
		AckNr:           b.ackNr,
	}
	b.state = StateFinalized
	return f, true
}

func (b *base) IsKilled() bool          { return b.killed }
func (b *base) State() State            { return b.state }
func (b *base) LastTimestampUS() uint64 { return b.lastTimestampUS }

func diffMicro(now, last uint64) uint32 {
	if now < last {
		return 0
	}
	return uint32(now - last)
}
