// Package onioncrypto implements the per-hop symmetric crypto pipeline
// shared by origin circuits (which hold one Hop per path position) and
// forwarding circuits (which hold exactly one Hop, for this relay's single
// layer). Standing the Hop type up as its own package lets both the origin
// and relay roles share the same primitives instead of duplicating them.
package onioncrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"
)

// Relay cell header offsets within the 509-byte payload (tor-spec §6.1).
const (
	recognizedOff = 1 // 2 bytes
	digestOff     = 5 // 4 bytes
)

// Hop holds the forward/backward stream ciphers and running digests for one
// onion layer. Forward traffic moves away from the true origin; backward
// traffic moves toward it.
type Hop struct {
	kf cipher.Stream
	kb cipher.Stream
	df hash.Hash
	db hash.Hash
}

// New builds a Hop from already-constructed cipher streams and digests. Used
// for non-standard crypto suites (e.g. onion-service circuits using
// SHA3-256/AES-256-CTR instead of SHA1/AES-128-CTR).
func New(kf, kb cipher.Stream, df, db hash.Hash) *Hop {
	return &Hop{kf: kf, kb: kb, df: df, db: db}
}

// NewFromKeyMaterial builds the standard AES-128-CTR/SHA-1 Hop from ntor key
// material: forward/backward 128-bit keys and 160-bit digest seeds.
func NewFromKeyMaterial(kf, kb [16]byte, dfSeed, dbSeed [20]byte) (*Hop, error) {
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(kf[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(kb[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR backward: %w", err)
	}

	df := sha1.New()
	df.Write(dfSeed[:])
	db := sha1.New()
	db.Write(dbSeed[:])

	return &Hop{
		kf: cipher.NewCTR(fwdBlock, zeroIV),
		kb: cipher.NewCTR(bwdBlock, zeroIV),
		df: df,
		db: db,
	}, nil
}

// SealForward finalizes a relay-cell payload this hop is originating in the
// forward direction: the forward digest is computed over the payload with
// recognized/digest zeroed, committed unconditionally (the sender always
// owns its own digest state), written into the digest field, and the
// payload is then encrypted with the forward cipher.
func (h *Hop) SealForward(payload []byte) {
	h.seal(h.kf, h.df, payload)
}

// WrapForward encrypts payload with the forward cipher only, touching
// neither recognized nor digest. Used for onion layers between the origin
// and the hop the cell is addressed to, and for a relay forwarding a cell
// it does not recognize further in the forward direction... actually a
// forwarding circuit never re-wraps forward traffic (removing its layer via
// PeelForward already strips exactly the onion layer it owns), so WrapForward
// is only ever used at the origin.
func (h *Hop) WrapForward(payload []byte) {
	h.kf.XORKeyStream(payload, payload)
}

// PeelForward decrypts payload in place with the forward cipher and reports
// whether this hop recognizes it. On a match, the forward digest state is
// committed; on a mismatch it is rolled back untouched.
func (h *Hop) PeelForward(payload []byte) (bool, error) {
	h.kf.XORKeyStream(payload, payload)
	return h.tryRecognize(h.df, payload)
}

// SealBackward / WrapBackward / PeelBackward mirror the forward-direction
// operations for traffic moving toward the origin.
func (h *Hop) SealBackward(payload []byte) {
	h.seal(h.kb, h.db, payload)
}

func (h *Hop) WrapBackward(payload []byte) {
	h.kb.XORKeyStream(payload, payload)
}

func (h *Hop) PeelBackward(payload []byte) (bool, error) {
	h.kb.XORKeyStream(payload, payload)
	return h.tryRecognize(h.db, payload)
}

// BackwardDigest returns the current backward running digest, used to
// authenticate a circuit or stream SENDME by echoing a recent digest value.
func (h *Hop) BackwardDigest() []byte {
	return h.db.Sum(nil)
}

// ForwardDigest returns the current forward running digest.
func (h *Hop) ForwardDigest() []byte {
	return h.df.Sum(nil)
}

func (h *Hop) seal(stream cipher.Stream, digest hash.Hash, payload []byte) {
	binary.BigEndian.PutUint16(payload[recognizedOff:], 0)
	payload[digestOff], payload[digestOff+1], payload[digestOff+2], payload[digestOff+3] = 0, 0, 0, 0
	digest.Write(payload)
	sum := digest.Sum(nil)
	copy(payload[digestOff:digestOff+4], sum[:4])
	stream.XORKeyStream(payload, payload)
}

// tryRecognize checks the already-decrypted payload's recognized/digest
// fields against digest's running state, trial-committing the digest write
// only if they match (mirrors tor-spec's relay_digest_matches: an
// unmatched trial must not perturb the hop's running digest, since the cell
// may genuinely belong to a different hop).
func (h *Hop) tryRecognize(digest hash.Hash, payload []byte) (bool, error) {
	recognized := binary.BigEndian.Uint16(payload[recognizedOff:])
	if recognized != 0 {
		return false, nil
	}

	var saved [4]byte
	copy(saved[:], payload[digestOff:digestOff+4])
	payload[digestOff], payload[digestOff+1], payload[digestOff+2], payload[digestOff+3] = 0, 0, 0, 0

	snapshot, err := digest.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("snapshot digest state: %w", err)
	}

	digest.Write(payload)
	sum := digest.Sum(nil)

	if subtle.ConstantTimeCompare(saved[:], sum[:4]) == 1 {
		return true, nil
	}

	if err := digest.(encoding.BinaryUnmarshaler).UnmarshalBinary(snapshot); err != nil {
		return false, fmt.Errorf("restore digest state: %w", err)
	}
	copy(payload[digestOff:digestOff+4], saved[:])
	return false, nil
}
