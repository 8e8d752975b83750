package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Frame
	}{
		{
			name: "SYN frame",
			in: Frame{
				Type:         TypeSyn,
				Version:      ProtocolVersion,
				Extension:    ExtNone,
				ConnectionID: 4242,
				TimestampUS:  0x00000001_12345678,
				SeqNr:        1,
				WndSize:      9,
				Payload:      nil,
			},
		},
		{
			name: "DATA frame with payload",
			in: Frame{
				Type:            TypeData,
				Version:         ProtocolVersion,
				Extension:       ExtNone,
				ConnectionID:    7,
				TimestampUS:     123456,
				TimestampDiffUS: 42,
				WndSize:         5,
				SeqNr:           2,
				AckNr:           1,
				Payload:         bytes.Repeat([]byte{0xAB}, MaxUTPData),
			},
		},
		{
			name: "STATE frame with SINGLE_ACK extension",
			in: Frame{
				Type:             TypeState,
				Version:          ProtocolVersion,
				Extension:        ExtSingleAck,
				ConnectionID:     99,
				TimestampUS:      9999,
				WndSize:          0,
				SeqNr:            10,
				AckNr:            9,
				ExtensionPayload: EncodeSingleAckPayload(7),
			},
		},
		{
			name: "FIN frame",
			in: Frame{
				Type:         TypeFin,
				Version:      ProtocolVersion,
				Extension:    ExtNone,
				ConnectionID: 1,
				SeqNr:        3,
				AckNr:        2,
			},
		},
		{
			name: "RESET frame",
			in: Frame{
				Type:         TypeReset,
				Version:      ProtocolVersion,
				Extension:    ExtNone,
				ConnectionID: 55,
				SeqNr:        5,
				AckNr:        4,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			// Reconstructing the high bits requires a clock whose high
			// 32 bits match what the sender used; pass the same value.
			out, err := Decode(wire, tt.in.TimestampUS)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if out.Type != tt.in.Type {
				t.Errorf("Type = %v, want %v", out.Type, tt.in.Type)
			}
			if out.Version != tt.in.Version {
				t.Errorf("Version = %v, want %v", out.Version, tt.in.Version)
			}
			if out.Extension != tt.in.Extension {
				t.Errorf("Extension = %v, want %v", out.Extension, tt.in.Extension)
			}
			if out.ConnectionID != tt.in.ConnectionID {
				t.Errorf("ConnectionID = %v, want %v", out.ConnectionID, tt.in.ConnectionID)
			}
			if out.TimestampUS != tt.in.TimestampUS {
				t.Errorf("TimestampUS = %v, want %v", out.TimestampUS, tt.in.TimestampUS)
			}
			if out.TimestampDiffUS != tt.in.TimestampDiffUS {
				t.Errorf("TimestampDiffUS = %v, want %v", out.TimestampDiffUS, tt.in.TimestampDiffUS)
			}
			if out.WndSize != tt.in.WndSize {
				t.Errorf("WndSize = %v, want %v", out.WndSize, tt.in.WndSize)
			}
			if out.SeqNr != tt.in.SeqNr {
				t.Errorf("SeqNr = %v, want %v", out.SeqNr, tt.in.SeqNr)
			}
			if out.AckNr != tt.in.AckNr {
				t.Errorf("AckNr = %v, want %v", out.AckNr, tt.in.AckNr)
			}
			if !bytes.Equal(out.Payload, tt.in.Payload) {
				t.Errorf("Payload = %x, want %x", out.Payload, tt.in.Payload)
			}
			if !bytes.Equal(out.ExtensionPayload, tt.in.ExtensionPayload) {
				t.Errorf("ExtensionPayload = %x, want %x", out.ExtensionPayload, tt.in.ExtensionPayload)
			}
		})
	}
}

func TestTimestampHighBitReconstruction(t *testing.T) {
	sent := Frame{Type: TypeState, Version: ProtocolVersion, TimestampUS: 0x0000000A_00000001}
	wire, err := Encode(sent)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Decoder's clock has different low bits but the same high bits.
	decoderClock := uint64(0x0000000A_FFFFFFFF)
	out, err := Decode(wire, decoderClock)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.TimestampUS != sent.TimestampUS {
		t.Errorf("TimestampUS = %#x, want %#x", out.TimestampUS, sent.TimestampUS)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1), 0)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("Decode() error = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeTruncatedPacket(t *testing.T) {
	f := Frame{Type: TypeData, Version: ProtocolVersion, Payload: []byte("hello")}
	wire, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	truncated := wire[:len(wire)-2]
	_, err = Decode(truncated, 0)
	if !errors.Is(err, ErrTruncatedPacket) {
		t.Fatalf("Decode() error = %v, want ErrTruncatedPacket", err)
	}
}

func TestDecodeUnsupportedExtension(t *testing.T) {
	f := Frame{Type: TypeState, Version: ProtocolVersion}
	wire, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// Flip the extension byte to SELECTIVE_ACK and splice in a minimal
	// (type, length=0) sub-header so the frame is structurally well
	// formed except for the unsupported extension type.
	wire[1] = byte(ExtSelectiveAck)
	withExt := append(wire[:HeaderSize], append([]byte{byte(ExtSelectiveAck), 0}, wire[HeaderSize:]...)...)
	// Fix up the declared body length to include the 2 extension bytes.
	bodyLen := len(withExt) - HeaderSize
	withExt[18] = byte(bodyLen >> 24)
	withExt[19] = byte(bodyLen >> 16)
	withExt[20] = byte(bodyLen >> 8)
	withExt[21] = byte(bodyLen)

	_, err = Decode(withExt, 0)
	if !errors.Is(err, ErrUnsupportedExtension) {
		t.Fatalf("Decode() error = %v, want ErrUnsupportedExtension", err)
	}
}

func TestDecodeInvalidExtensionFraming(t *testing.T) {
	f := Frame{Type: TypeState, Version: ProtocolVersion, Extension: ExtSingleAck, ExtensionPayload: EncodeSingleAckPayload(3)}
	wire, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// Claim a longer extension payload than actually present.
	wire[HeaderSize+1] = 0xFF
	_, err = Decode(wire, 0)
	if !errors.Is(err, ErrInvalidExtension) {
		t.Fatalf("Decode() error = %v, want ErrInvalidExtension", err)
	}
}

func TestEncodeRejectsOversizedDataPayload(t *testing.T) {
	f := Frame{Type: TypeData, Version: ProtocolVersion, Payload: bytes.Repeat([]byte{1}, MaxUTPData+1)}
	if _, err := Encode(f); err == nil {
		t.Fatal("Encode() error = nil, want error for oversized DATA payload")
	}
}

func TestSingleAckPayloadRoundTrip(t *testing.T) {
	want := uint16(65535)
	got, err := DecodeSingleAckPayload(EncodeSingleAckPayload(want))
	if err != nil {
		t.Fatalf("DecodeSingleAckPayload() error = %v", err)
	}
	if got != want {
		t.Errorf("DecodeSingleAckPayload() = %d, want %d", got, want)
	}
}
