package connstate

import (
	"math/rand"
	"sort"

	"github.com/utpmesh/utpd/utp/clock"
	"github.com/utpmesh/utpd/utp/frame"
)

// Receiver is the responder side of a uTP connection: it buffers
// inbound frames, acknowledges them, and requests retransmission of
// gaps before declaring the stream complete.
type Receiver struct {
	base

	receiveBuffer map[uint16]frame.Frame
	synSeqNr      uint16

	onComplete func(data []byte)
	emit       func(frame.Frame)
}

// NewReceiver constructs a Receiver. onComplete is invoked exactly
// once, with the fully assembled payload, when the stream finishes.
// emit is used for the unsolicited gap-retransmission requests this
// connection issues out of band from its normal OnFrame return value
// (from the retry timer, or immediately upon detecting a gap while
// finalizing).
func NewReceiver(clk clock.Clock, sched clock.Scheduler, onComplete func([]byte), emit func(frame.Frame)) *Receiver {
	r := &Receiver{
		receiveBuffer: make(map[uint16]frame.Frame),
		onComplete:    onComplete,
		emit:          emit,
	}
	r.init(clk, sched, r.attemptGapRequest)
	return r
}

// ConnIDRecv returns the connection id this receiver listens on.
func (r *Receiver) ConnIDRecv() ConnID { return r.connIDRecv }

// ConnIDSend returns the connection id this receiver addresses
// outbound frames with.
func (r *Receiver) ConnIDSend() ConnID { return r.connIDSend }

// FrameIsValid reports whether f belongs to this connection.
func (r *Receiver) FrameIsValid(f frame.Frame) bool { return r.frameIsValid(f) }

// Close force-kills the connection, optionally returning a RESET
// frame to send to the peer.
func (r *Receiver) Close() (frame.Frame, bool) { return r.close(r.connIDSend) }

// OnFrame handles an inbound frame, returning zero or more frames to
// send back.
func (r *Receiver) OnFrame(f frame.Frame) []frame.Frame {
	// The duplicate check in onData must see whether this seq_nr was
	// already present before this frame's arrival, so capture that
	// fact ahead of the unconditional buffer record below.
	_, existedBefore := r.receiveBuffer[f.SeqNr]
	r.receiveBuffer[f.SeqNr] = f
	r.applyInbound(f)

	if r.killed {
		return nil
	}

	var out []frame.Frame
	switch {
	case r.state == StateNone && f.Type == frame.TypeSyn:
		out = r.onSyn(f)
	case r.state != StateNone && (f.Type == frame.TypeData || f.Type == frame.TypeFin):
		out = r.onData(f, existedBefore)
	}

	if r.state == StateFinalized {
		r.finalizeIfReady()
	}

	return out
}

// onSyn answers a SYN with a plain STATE acknowledgement and binds
// this connection's ids to the initiator's chosen id.
func (r *Receiver) onSyn(f frame.Frame) []frame.Frame {
	r.connIDRecv = f.ConnectionID + 1
	r.connIDSend = f.ConnectionID
	r.seqNr = uint16(rand.Intn(65536))
	r.ackNr = f.SeqNr
	r.state = StateSynRecv
	r.synSeqNr = f.SeqNr

	now := r.clk.NowMicro()
	ack := frame.Frame{
		Type:            frame.TypeState,
		Version:         frame.ProtocolVersion,
		Extension:       frame.ExtNone,
		ConnectionID:    r.connIDSend,
		TimestampUS:     now,
		TimestampDiffUS: diffMicro(now, f.TimestampUS),
		WndSize:         0,
		SeqNr:           r.seqNr,
		AckNr:           r.ackNr,
	}
	r.seqNr = r.seqNr + 1
	return []frame.Frame{ack}
}

// onData acknowledges a DATA or FIN frame, piggybacking a gap request
// when the predecessor seq_nr is missing and the sender's window has
// closed.
func (r *Receiver) onData(f frame.Frame, existedBefore bool) []frame.Frame {
	if existedBefore {
		return nil
	}

	r.ackNr = f.SeqNr
	if r.state == StateSynRecv {
		r.state = StateConnected
	}

	now := r.clk.NowMicro()

	var previousSeq uint16
	if f.SeqNr == 0 {
		previousSeq = 65535
	} else {
		previousSeq = f.SeqNr - 1
	}
	_, prevBuffered := r.receiveBuffer[previousSeq]

	var ack frame.Frame
	if f.WndSize == 0 && previousSeq != r.synSeqNr && !prevBuffered {
		ack = frame.Frame{
			Type:             frame.TypeState,
			Version:          frame.ProtocolVersion,
			Extension:        frame.ExtSingleAck,
			ConnectionID:     r.connIDSend,
			TimestampUS:      now,
			TimestampDiffUS:  diffMicro(now, f.TimestampUS),
			WndSize:          0,
			SeqNr:            r.seqNr,
			AckNr:            r.ackNr,
			ExtensionPayload: frame.EncodeSingleAckPayload(previousSeq),
		}
	} else {
		ack = frame.Frame{
			Type:            frame.TypeState,
			Version:         frame.ProtocolVersion,
			Extension:       frame.ExtNone,
			ConnectionID:    r.connIDSend,
			TimestampUS:     now,
			TimestampDiffUS: diffMicro(now, f.TimestampUS),
			WndSize:         0,
			SeqNr:           r.seqNr,
			AckNr:           r.ackNr,
		}
	}
	r.seqNr = r.seqNr + 1
	return []frame.Frame{ack}
}

// attemptGapRequest finds the earliest seq_nr missing from the
// receive buffer, starting just past the SYN, and emits a single
// SINGLE_ACK frame naming it. It fires at most once per call: from
// the retry timer, or immediately when a gap blocks finalization.
func (r *Receiver) attemptGapRequest() {
	for i := 1; i <= len(r.receiveBuffer)+1; i++ {
		candidate := uint16((int(r.synSeqNr) + i) % 65536)
		if _, ok := r.receiveBuffer[candidate]; ok {
			continue
		}
		now := r.clk.NowMicro()
		f := frame.Frame{
			Type:             frame.TypeState,
			Version:          frame.ProtocolVersion,
			Extension:        frame.ExtSingleAck,
			ConnectionID:     r.connIDSend,
			TimestampUS:      now,
			TimestampDiffUS:  diffMicro(now, r.lastTimestampUS),
			WndSize:          0,
			SeqNr:            r.seqNr,
			AckNr:            r.ackNr,
			ExtensionPayload: frame.EncodeSingleAckPayload(candidate),
		}
		if r.emit != nil {
			r.emit(f)
		}
		return
	}
}

// finalizeIfReady scans the receive buffer for an unbroken sequence
// terminated by a FIN. If it finds one, it delivers the assembled
// payload and kills the connection. If it finds a gap instead, it
// immediately requests retransmission of the missing seq_nr.
func (r *Receiver) finalizeIfReady() {
	keys := sortedKeys(r.receiveBuffer)
	if len(keys) == 0 {
		return
	}

	pkey := -1
	var assembled []byte
	for _, k := range keys {
		if pkey != -1 && uint16(pkey)+1 != k {
			r.attemptGapRequest()
			return
		}
		assembled = append(assembled, r.receiveBuffer[k].Payload...)
		pkey = int(k)
	}

	last := keys[len(keys)-1]
	if r.receiveBuffer[last].Type != frame.TypeFin {
		return
	}

	if r.onComplete != nil {
		r.onComplete(assembled)
	}
	r.killed = true
}

// IsComplete reports whether this receiver has finished: finalized
// with an unbroken sequence ending in FIN, or hard-killed.
func (r *Receiver) IsComplete() bool {
	if r.killed {
		return true
	}
	if r.state != StateFinalized {
		return false
	}

	keys := sortedKeys(r.receiveBuffer)
	if len(keys) == 0 {
		return false
	}
	pkey := -1
	for _, k := range keys {
		if pkey != -1 && uint16(pkey)+1 != k {
			return false
		}
		pkey = int(k)
	}
	last := keys[len(keys)-1]
	return r.receiveBuffer[last].Type == frame.TypeFin
}

func sortedKeys(m map[uint16]frame.Frame) []uint16 {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
