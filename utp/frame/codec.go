package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors returned (wrapped) by Decode. Callers should compare
// with errors.Is; the multiplexer drops every one of these silently.
var (
	// ErrMalformedFrame covers any header that cannot be parsed at all
	// (buffer shorter than HeaderSize, or internally inconsistent).
	ErrMalformedFrame = errors.New("frame: malformed frame")

	// ErrTruncatedPacket means the advertised payload+extension length
	// exceeds what remains in the buffer.
	ErrTruncatedPacket = errors.New("frame: truncated packet")

	// ErrInvalidExtension means the extension sub-header (type, length)
	// could not be read or its declared length overruns the body.
	ErrInvalidExtension = errors.New("frame: invalid extension framing")

	// ErrUnsupportedExtension means the extension type read from the
	// body is recognized but not SINGLE_ACK (i.e. SELECTIVE_ACK), or
	// is not recognized at all.
	ErrUnsupportedExtension = errors.New("frame: unsupported extension")
)

// Encode packs f into its wire representation. Only the low 32 bits of
// f.TimestampUS are written to the timestamp field. Encode does not
// stamp the frame itself, so that retransmissions can re-stamp a frame
// with a fresh timestamp before calling Encode again.
func Encode(f Frame) ([]byte, error) {
	if f.Type == TypeData && len(f.Payload) > MaxUTPData {
		return nil, fmt.Errorf("frame: data payload of %d bytes exceeds MaxUTPData (%d)", len(f.Payload), MaxUTPData)
	}

	var extBlock []byte
	extension := f.Extension
	if extension == ExtSingleAck {
		extBlock = make([]byte, extHeaderSize+len(f.ExtensionPayload))
		extBlock[0] = byte(ExtSingleAck)
		extBlock[1] = byte(len(f.ExtensionPayload))
		copy(extBlock[extHeaderSize:], f.ExtensionPayload)
	} else {
		extension = ExtNone
	}

	bodyLen := len(extBlock) + len(f.Payload)
	buf := make([]byte, HeaderSize+bodyLen)

	buf[0] = (f.Version << 4) | byte(f.Type)
	buf[1] = byte(extension)
	binary.BigEndian.PutUint16(buf[2:4], f.ConnectionID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.TimestampUS&0xFFFFFFFF))
	binary.BigEndian.PutUint32(buf[8:12], f.TimestampDiffUS)
	binary.BigEndian.PutUint16(buf[12:14], f.WndSize)
	binary.BigEndian.PutUint16(buf[14:16], f.SeqNr)
	binary.BigEndian.PutUint16(buf[16:18], f.AckNr)
	binary.BigEndian.PutUint32(buf[18:22], uint32(bodyLen))

	n := copy(buf[HeaderSize:], extBlock)
	copy(buf[HeaderSize+n:], f.Payload)

	return buf, nil
}

// Decode unpacks a wire-format frame from data. nowMicro is the
// decoder's own microsecond clock, whose high 32 bits are OR'd onto
// the wire's truncated 32-bit timestamp to reconstruct a full 64-bit
// value, per the protocol's truncation scheme.
func Decode(data []byte, nowMicro uint64) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedFrame, len(data), HeaderSize)
	}

	typeVersion := data[0]
	f := Frame{
		Type:         Type(typeVersion & 0x0F),
		Version:      typeVersion >> 4,
		ConnectionID: binary.BigEndian.Uint16(data[2:4]),
	}
	wireExtension := Extension(data[1])

	tsLow := binary.BigEndian.Uint32(data[4:8])
	highMask := nowMicro &^ 0xFFFFFFFF
	f.TimestampUS = highMask | uint64(tsLow)

	f.TimestampDiffUS = binary.BigEndian.Uint32(data[8:12])
	f.WndSize = binary.BigEndian.Uint16(data[12:14])
	f.SeqNr = binary.BigEndian.Uint16(data[14:16])
	f.AckNr = binary.BigEndian.Uint16(data[16:18])
	bodyLen := binary.BigEndian.Uint32(data[18:22])

	rest := data[HeaderSize:]
	if uint64(len(rest)) < uint64(bodyLen) {
		return Frame{}, fmt.Errorf("%w: body declares %d bytes, only %d remain", ErrTruncatedPacket, bodyLen, len(rest))
	}
	body := rest[:bodyLen]

	if wireExtension == ExtNone {
		f.Extension = ExtNone
		f.Payload = body
		return f, nil
	}

	if len(body) < extHeaderSize {
		return Frame{}, fmt.Errorf("%w: truncated extension header", ErrInvalidExtension)
	}
	extType := Extension(body[0])
	extLen := int(body[1])
	if len(body) < extHeaderSize+extLen {
		return Frame{}, fmt.Errorf("%w: extension declares %d bytes, only %d remain", ErrInvalidExtension, extLen, len(body)-extHeaderSize)
	}
	if extType != ExtSingleAck {
		return Frame{}, fmt.Errorf("%w: extension type %s", ErrUnsupportedExtension, extType)
	}

	f.Extension = extType
	f.ExtensionPayload = body[extHeaderSize : extHeaderSize+extLen]
	f.Payload = body[extHeaderSize+extLen:]
	return f, nil
}

// EncodeSingleAckPayload renders a seq_nr as the ASCII-decimal
// extension payload the SINGLE_ACK extension carries.
func EncodeSingleAckPayload(seqNr uint16) []byte {
	return []byte(strconv.FormatUint(uint64(seqNr), 10))
}

// DecodeSingleAckPayload parses a SINGLE_ACK extension payload back
// into the seq_nr it names.
func DecodeSingleAckPayload(payload []byte) (uint16, error) {
	v, err := strconv.ParseUint(string(payload), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid SINGLE_ACK payload %q: %v", ErrMalformedFrame, payload, err)
	}
	return uint16(v), nil
}
