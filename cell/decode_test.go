package cell

import (
	"bufio"
	"bytes"
	"testing"
)

func TestDecodeNextFixedV4(t *testing.T) {
	c := NewFixedCell(0x80000001, CmdNetInfo)
	c.Payload()[0] = 0x42

	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeNext(bufio.NewReader(&buf), 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(c, got) {
		t.Fatal("round-trip mismatch")
	}
}

func TestDecodeNextV3TwoByteID(t *testing.T) {
	// Hand-build a v3 fixed cell: 2-byte circID + cmd + 509-byte payload.
	raw := make([]byte, 2+1+MaxPayloadLen)
	raw[0] = 0x12
	raw[1] = 0x34
	raw[2] = CmdDestroy
	raw[3+0] = 0x05 // reason byte

	got, err := DecodeNext(bufio.NewReader(bytes.NewReader(raw)), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(raw) {
		t.Fatalf("decoded length = %d, want %d", len(got), len(raw))
	}
	if got[2] != CmdDestroy {
		t.Fatalf("command = %d, want CmdDestroy", got[2])
	}
}

func TestDecodeNextRejectsNonVersionsBeforeNegotiation(t *testing.T) {
	raw := make([]byte, 2+1+MaxPayloadLen)
	raw[2] = CmdNetInfo
	_, err := DecodeNext(bufio.NewReader(bytes.NewReader(raw)), VersionUnnegotiated)
	if err == nil {
		t.Fatal("expected error for non-VERSIONS command before negotiation")
	}
}

func TestDecodeNextRejectsOversizedVarCell(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x80, 0x00, 0x00, 0x01, CmdCerts, 0xFF, 0xFF}) // length = 65535 > MaxVarPayloadLen
	_, err := DecodeNext(bufio.NewReader(&buf), 4)
	if err == nil {
		t.Fatal("expected error for oversized variable-length cell")
	}
}

func TestIsKnownCommand(t *testing.T) {
	if !IsKnownCommand(CmdRelay) {
		t.Fatal("RELAY should be known")
	}
	if IsKnownCommand(200) {
		t.Fatal("200 should be unknown")
	}
}
