package onioncrypto

import (
	"bytes"
	"testing"
)

func testHop(t *testing.T, seed byte) *Hop {
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
	h, err := NewFromKeyMaterial(kf, kb, df, db)
	if err != nil {
		t.Fatalf("NewFromKeyMaterial: %v", err)
	}
	return h
}

func TestSealPeelForwardRoundTrip(t *testing.T) {
	sender := testHop(t, 1)
	receiver := testHop(t, 1)

	payload := make([]byte, 509)
	copy(payload[9:], []byte("hello relay"))
	sender.SealForward(payload)

	ok, err := receiver.PeelForward(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected recognized forward cell")
	}
	if !bytes.Equal(payload[9:9+len("hello relay")], []byte("hello relay")) {
		t.Fatal("payload body corrupted")
	}
}

func TestSealPeelBackwardRoundTrip(t *testing.T) {
	sender := testHop(t, 7)
	receiver := testHop(t, 7)

	payload := make([]byte, 509)
	sender.SealBackward(payload)

	ok, err := receiver.PeelBackward(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected recognized backward cell")
	}
}

func TestPeelForwardMismatchDoesNotCommitDigest(t *testing.T) {
	mine := testHop(t, 20)
	other := testHop(t, 40)

	payload := make([]byte, 509)
	other.SealForward(payload)

	// mine decrypts with the wrong key; recognized will almost certainly be
	// non-zero garbage, so it should report not-recognized without error and
	// without mutating mine's forward digest.
	before := mine.ForwardDigest()
	ok, err := mine.PeelForward(payload)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("should not recognize a cell encrypted under a different key")
	}
	after := mine.ForwardDigest()
	if !bytes.Equal(before, after) {
		t.Fatal("forward digest must not change on a failed recognition")
	}
}

func TestWrapForwardIsPureEncryption(t *testing.T) {
	h := testHop(t, 3)
	payload := []byte("0123456789")
	clone := append([]byte(nil), payload...)

	h.WrapForward(clone)
	if bytes.Equal(clone, payload) {
		t.Fatal("WrapForward did not transform payload")
	}

	h2 := testHop(t, 3)
	h2.WrapForward(clone)
	if !bytes.Equal(clone, payload) {
		t.Fatal("WrapForward is not self-inverse under the same key stream position")
	}
}

func TestWrapBackwardPassthroughLeavesDigestUntouched(t *testing.T) {
	h := testHop(t, 9)
	payload := make([]byte, 509)
	before := h.BackwardDigest()
	h.WrapBackward(payload)
	after := h.BackwardDigest()
	if !bytes.Equal(before, after) {
		t.Fatal("WrapBackward (pass-through) must not update the running digest")
	}
}
