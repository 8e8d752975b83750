// Package frame implements the uTP wire format: a fixed header, an
// optional single-extension block, and a variable-length payload.
package frame

import "fmt"

// Type identifies the purpose of a uTP frame on the wire.
type Type uint8

// Frame types, numbered to match the original protocol's enumeration.
const (
	TypeData  Type = 0
	TypeFin   Type = 1
	TypeState Type = 2
	TypeReset Type = 3
	TypeSyn   Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeState:
		return "STATE"
	case TypeReset:
		return "RESET"
	case TypeSyn:
		return "SYN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsValid reports whether t is one of the enumerated frame types.
func (t Type) IsValid() bool {
	switch t {
	case TypeData, TypeFin, TypeState, TypeReset, TypeSyn:
		return true
	default:
		return false
	}
}

// Extension identifies the (at most one) extension block carried after
// the header.
type Extension uint8

const (
	ExtNone         Extension = 0
	ExtSelectiveAck Extension = 1 // recognized, never supported
	ExtSingleAck    Extension = 2
)

func (e Extension) String() string {
	switch e {
	case ExtNone:
		return "NONE"
	case ExtSelectiveAck:
		return "SELECTIVE_ACK"
	case ExtSingleAck:
		return "SINGLE_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(e))
	}
}

// IsValid reports whether e is one of the enumerated extension types.
func (e Extension) IsValid() bool {
	switch e {
	case ExtNone, ExtSelectiveAck, ExtSingleAck:
		return true
	default:
		return false
	}
}

// ProtocolVersion is the only version this implementation speaks.
const ProtocolVersion uint8 = 1

// MaxUTPData is the maximum number of application bytes carried by a
// single DATA frame.
const MaxUTPData = 400

// HeaderSize is the size, in bytes, of the fixed preamble emitted by
// Encode before any extension block or payload: version/type, extension,
// connection id, the two timestamp fields, window size, seq/ack numbers
// and the combined extension+payload length.
const HeaderSize = 22

// extHeaderSize is the size of the (extension type, extension length)
// framing bytes that precede an extension's payload.
const extHeaderSize = 2

// Frame is the decoded representation of a single uTP datagram.
type Frame struct {
	Type         Type
	Version      uint8
	Extension    Extension
	ConnectionID uint16

	// TimestampUS is the sender's microsecond clock reading. On the wire
	// only the low 32 bits travel; Decode reconstructs the high bits
	// from the receiver's own clock.
	TimestampUS uint64

	TimestampDiffUS uint32
	WndSize         uint16
	SeqNr           uint16
	AckNr           uint16

	Payload []byte

	// ExtensionPayload is non-nil iff Extension == ExtSingleAck. Its
	// bytes are the ASCII-decimal seq_nr the sender is asked to
	// retransmit.
	ExtensionPayload []byte
}

// IsValid checks the structural validity of f in isolation: a valid
// version, an enumerated type and extension, and (when present) an
// extension payload consistent with the extension field.
func (f Frame) IsValid() bool {
	if f.Version != ProtocolVersion {
		return false
	}
	if !f.Type.IsValid() {
		return false
	}
	if !f.Extension.IsValid() {
		return false
	}
	if f.Extension == ExtSingleAck && f.ExtensionPayload == nil {
		return false
	}
	if f.Extension != ExtSingleAck && f.ExtensionPayload != nil {
		return false
	}
	return true
}
