package connstate

import (
	"math/rand"

	"github.com/utpmesh/utpd/utp/clock"
	"github.com/utpmesh/utpd/utp/frame"
)

// Sender is the initiator side of a uTP connection: it holds the
// application payload and drives its delivery across the peer's
// acknowledgements.
type Sender struct {
	base

	data       []byte
	dataOffset int
	sendBuffer map[uint16]frame.Frame

	// finalSeqNr is the seq_nr of the FIN frame once one has been
	// built, or -1 if none has been built yet.
	finalSeqNr int32
	windowOpen int
}

// NewSender constructs a Sender for the given payload. Construction
// alone does not emit anything; call CreateSyn to produce the initial
// frame.
func NewSender(data []byte, clk clock.Clock, sched clock.Scheduler) *Sender {
	s := &Sender{
		data:       data,
		sendBuffer: make(map[uint16]frame.Frame),
		finalSeqNr: -1,
		windowOpen: UTPWindowSize,
	}
	s.init(clk, sched, nil)
	// conn_id_recv is drawn from [0, 65534], excluding 65535, so that
	// conn_id_send = (conn_id_recv + 1) mod 2^16 is never 0.
	s.connIDRecv = uint16(rand.Intn(65535))
	s.connIDSend = s.connIDRecv + 1
	s.seqNr = 1
	return s
}

// ConnIDRecv returns the connection id this sender listens on.
func (s *Sender) ConnIDRecv() ConnID { return s.connIDRecv }

// ConnIDSend returns the connection id this sender addresses outbound
// frames with.
func (s *Sender) ConnIDSend() ConnID { return s.connIDSend }

// FrameIsValid reports whether f belongs to this connection.
func (s *Sender) FrameIsValid(f frame.Frame) bool { return s.frameIsValid(f) }

// Close force-kills the connection, optionally returning a RESET
// frame to send to the peer.
func (s *Sender) Close() (frame.Frame, bool) { return s.close(s.connIDSend) }

// CreateSyn produces the initial SYN frame and transitions to
// SYN_SENT.
func (s *Sender) CreateSyn() frame.Frame {
	s.state = StateSynSent
	s.windowOpen--

	now := s.clk.NowMicro()
	f := frame.Frame{
		Type:            frame.TypeSyn,
		Version:         frame.ProtocolVersion,
		Extension:       frame.ExtNone,
		ConnectionID:    s.connIDRecv,
		TimestampUS:     now,
		TimestampDiffUS: 0,
		WndSize:         uint16(s.windowOpen),
		SeqNr:           s.seqNr,
		AckNr:           0,
	}
	s.sendBuffer[f.SeqNr] = f
	s.seqNr = s.seqNr + 1
	return f
}

// OnFrame handles an inbound frame addressed to this connection,
// returning zero or more frames to send back.
func (s *Sender) OnFrame(f frame.Frame) []frame.Frame {
	s.applyInbound(f)

	if _, ok := s.sendBuffer[f.AckNr]; ok {
		delete(s.sendBuffer, f.AckNr)
		if s.state == StateConnected {
			s.windowOpen = minInt(s.windowOpen+1, len(s.sendBuffer))
		} else {
			s.windowOpen++
		}
		if int32(f.AckNr) == s.finalSeqNr {
			s.state = StateFinalized
		}
	}

	if s.killed {
		return nil
	}

	if f.Type == frame.TypeState {
		return s.onState(f)
	}
	return nil
}

// onState handles a STATE frame: it may carry a piggybacked
// retransmission request, and it opens the door for new emissions.
func (s *Sender) onState(f frame.Frame) []frame.Frame {
	if s.state != StateFinalized {
		s.state = StateConnected
	}
	s.ackNr = f.SeqNr

	now := s.clk.NowMicro()

	var retransmission []frame.Frame
	if f.Extension == frame.ExtSingleAck && s.windowOpen == 0 {
		if seqNr, err := frame.DecodeSingleAckPayload(f.ExtensionPayload); err == nil {
			if retx, ok := s.sendBuffer[seqNr]; ok {
				retx.TimestampUS = now
				retx.TimestampDiffUS = diffMicro(now, f.TimestampUS)
				retx.WndSize = uint16(s.windowOpen)
				s.sendBuffer[seqNr] = retx
				retransmission = append(retransmission, retx)
			}
		}
	}

	var frames []frame.Frame
	for s.windowOpen > 0 {
		data := s.yieldData()
		if data == nil {
			if len(retransmission) == 0 {
				s.windowOpen--
				seq := s.seqNr
				fin := frame.Frame{
					Type:            frame.TypeFin,
					Version:         frame.ProtocolVersion,
					Extension:       frame.ExtNone,
					ConnectionID:    s.connIDSend,
					TimestampUS:     now,
					TimestampDiffUS: diffMicro(now, f.TimestampUS),
					WndSize:         uint16(s.windowOpen),
					SeqNr:           seq,
					AckNr:           s.ackNr,
				}
				if s.finalSeqNr != int32(seq) {
					s.sendBuffer[seq] = fin
				}
				s.finalSeqNr = int32(seq)
				frames = append(frames, fin)
			}
			break
		}

		s.windowOpen--
		seq := s.seqNr
		df := frame.Frame{
			Type:            frame.TypeData,
			Version:         frame.ProtocolVersion,
			Extension:       frame.ExtNone,
			ConnectionID:    s.connIDSend,
			TimestampUS:     now,
			TimestampDiffUS: diffMicro(now, f.TimestampUS),
			WndSize:         uint16(s.windowOpen),
			SeqNr:           seq,
			AckNr:           s.ackNr,
			Payload:         data,
		}
		s.seqNr = s.seqNr + 1
		s.sendBuffer[seq] = df
		frames = append(frames, df)
	}

	return append(retransmission, frames...)
}

// yieldData returns the next MAX_UTP_DATA-sized slice of the payload,
// or nil once the payload has been fully consumed.
func (s *Sender) yieldData() []byte {
	if s.dataOffset >= len(s.data) {
		return nil
	}
	end := s.dataOffset + frame.MaxUTPData
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.dataOffset:end]
	s.dataOffset = end
	return chunk
}

// IsComplete reports whether this sender has finished: finalized with
// every frame acknowledged, or hard-killed.
func (s *Sender) IsComplete() bool {
	return (s.state == StateFinalized && len(s.sendBuffer) == 0) || s.killed
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
