package ntor

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

// FastKeyLen is the length of each CREATE_FAST/CREATED_FAST key material
// field (X, Y, KH): HASH_LEN bytes under SHA-1 (tor-spec §5.1.4).
const FastKeyLen = 20

// kdfTOR implements the legacy KDF-TOR key derivation (tor-spec §5.2.1):
// K = H(k0 | [0]) | H(k0 | [1]) | H(k0 | [2]) | ... under SHA-1, truncated
// to n bytes.
func kdfTOR(k0 []byte, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	buf := make([]byte, len(k0)+1)
	copy(buf, k0)
	for i := byte(0); len(out) < n; i++ {
		buf[len(k0)] = i
		sum := sha1.Sum(buf)
		out = append(out, sum[:]...)
	}
	return out[:n]
}

// RespondFast performs the relay side of a CREATE_FAST/CREATED_FAST
// handshake (tor-spec §5.1.4): a plain, non-public-key key exchange used
// only for a circuit's first hop. x is the client's CREATE_FAST key
// material; RespondFast generates its own Y, derives K = KDF-TOR(X|Y), and
// splits K into KH (returned for CREATED_FAST, letting the client confirm
// both sides agree) followed by the hop's Df/Db/Kf/Kb.
func RespondFast(x [FastKeyLen]byte) (y [FastKeyLen]byte, kh [FastKeyLen]byte, km KeyMaterial, err error) {
	if _, err = rand.Read(y[:]); err != nil {
		return y, kh, km, fmt.Errorf("generate Y: %w", err)
	}

	k0 := make([]byte, 0, 2*FastKeyLen)
	k0 = append(k0, x[:]...)
	k0 = append(k0, y[:]...)

	k := kdfTOR(k0, FastKeyLen+FastKeyLen+FastKeyLen+16+16)
	copy(kh[:], k[0:20])
	copy(km.Df[:], k[20:40])
	copy(km.Db[:], k[40:60])
	copy(km.Kf[:], k[60:76])
	copy(km.Kb[:], k[76:92])

	return y, kh, km, nil
}
