package stream

import (
	"encoding/binary"
	"testing"

	"github.com/cvsouth/tor-relay/circuit"
	"github.com/cvsouth/tor-relay/onioncrypto"
)

func testOriginCircuit(t *testing.T, seed byte) *circuit.Circuit {
	t.Helper()
	var kf, kb [16]byte
	var df, db [20]byte
	for i := range kf {
		kf[i] = seed
		kb[i] = seed + 1
	}
	for i := range df {
		df[i] = seed + 2
		db[i] = seed + 3
	}
	hop, err := onioncrypto.NewFromKeyMaterial(kf, kb, df, db)
	if err != nil {
		t.Fatalf("NewFromKeyMaterial: %v", err)
	}
	return &circuit.Circuit{Kind: circuit.Origin, ID: 0x80000001, Hops: []*onioncrypto.Hop{hop}}
}

func TestSendMeV1Payload(t *testing.T) {
	digest := make([]byte, 20)
	for i := range digest {
		digest[i] = byte(i + 0xA0)
	}

	payload := sendMeV1(digest)

	if payload[0] != sendMeVersion {
		t.Fatalf("version = %d, want %d", payload[0], sendMeVersion)
	}

	dataLen := binary.BigEndian.Uint16(payload[1:3])
	if dataLen != sendMeDigestLen {
		t.Fatalf("data length = %d, want %d", dataLen, sendMeDigestLen)
	}

	for i := 0; i < sendMeDigestLen; i++ {
		if payload[3+i] != byte(i+0xA0) {
			t.Fatalf("digest[%d] = %d, want %d", i, payload[3+i], i+0xA0)
		}
	}

	if len(payload) != sendMePayloadLen {
		t.Fatalf("payload length = %d, want %d", len(payload), sendMePayloadLen)
	}
}

func TestParseSendMeV1RoundTrip(t *testing.T) {
	digest := make([]byte, sendMeDigestLen)
	for i := range digest {
		digest[i] = byte(i)
	}

	payload := sendMeV1(digest)
	got, err := parseSendMeV1(payload)
	if err != nil {
		t.Fatalf("parseSendMeV1: %v", err)
	}
	if string(got) != string(digest) {
		t.Fatalf("got digest %x, want %x", got, digest)
	}
}

func TestParseSendMeV1RejectsShortPayload(t *testing.T) {
	if _, err := parseSendMeV1([]byte{1, 0}); err == nil {
		t.Fatal("expected error on truncated payload")
	}
}

func TestParseSendMeV1RejectsBadVersion(t *testing.T) {
	payload := sendMeV1(make([]byte, sendMeDigestLen))
	payload[0] = 9
	if _, err := parseSendMeV1(payload); err == nil {
		t.Fatal("expected error on unsupported version")
	}
}

func TestParseSendMeV1RejectsBadDigestLength(t *testing.T) {
	payload := sendMeV1(make([]byte, sendMeDigestLen))
	binary.BigEndian.PutUint16(payload[1:3], 19)
	if _, err := parseSendMeV1(payload); err == nil {
		t.Fatal("expected error on mismatched digest length")
	}
}

func TestFlowControlConstants(t *testing.T) {
	if circSendMeUnit != 100 {
		t.Fatalf("circSendMeUnit = %d, want 100", circSendMeUnit)
	}
	if streamSendMeUnit != 50 {
		t.Fatalf("streamSendMeUnit = %d, want 50", streamSendMeUnit)
	}
	if initCircPackageWindow != 1000 {
		t.Fatalf("initCircPackageWindow = %d, want 1000", initCircPackageWindow)
	}
	if initStreamPackageWindow != 500 {
		t.Fatalf("initStreamPackageWindow = %d, want 500", initStreamPackageWindow)
	}
	if initCircDeliverWindow != 1000 {
		t.Fatalf("initCircDeliverWindow = %d, want 1000", initCircDeliverWindow)
	}
	if initStreamDeliverWindow != 500 {
		t.Fatalf("initStreamDeliverWindow = %d, want 500", initStreamDeliverWindow)
	}
}

func TestHandleCircuitSendMeRejectsBadDigest(t *testing.T) {
	s := &Stream{ID: 1, Circuit: testOriginCircuit(t, 1)}

	bad := sendMeV1(make([]byte, sendMeDigestLen))
	if err := s.handleCircuitSendMe(bad); err == nil {
		t.Fatal("expected digest mismatch error")
	}
}

func TestHandleCircuitSendMeAcceptsMatchingDigest(t *testing.T) {
	s := &Stream{ID: 1, Circuit: testOriginCircuit(t, 1), circPackageWindow: 0}

	digest := s.Circuit.ForwardDigest()
	good := sendMeV1(digest)
	if err := s.handleCircuitSendMe(good); err != nil {
		t.Fatalf("handleCircuitSendMe: %v", err)
	}
	if s.circPackageWindow != circSendMeUnit {
		t.Fatalf("circPackageWindow = %d, want %d", s.circPackageWindow, circSendMeUnit)
	}
}

func TestHandleStreamSendMeAcceptsMatchingDigest(t *testing.T) {
	s := &Stream{ID: 1, Circuit: testOriginCircuit(t, 2), streamPackageWindow: 0}

	digest := s.Circuit.ForwardDigest()
	good := sendMeV1(digest)
	if err := s.handleStreamSendMe(good); err != nil {
		t.Fatalf("handleStreamSendMe: %v", err)
	}
	if s.streamPackageWindow != streamSendMeUnit {
		t.Fatalf("streamPackageWindow = %d, want %d", s.streamPackageWindow, streamSendMeUnit)
	}
}
