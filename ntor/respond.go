package ntor

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Respond performs the relay side of an ntor handshake against a client's
// CREATE2 HDATA (node_id || B || X), as parsed by the caller out of the
// CREATE2 cell's handshake data. nodeID and b/B are the relay's own
// identity digest and onion keypair; clientData is the 84-byte HDATA taken
// verbatim from the incoming cell.
//
// Respond rejects a request addressed to a different node_id or onion key,
// since CREATE2 cells are occasionally misdirected by a stale descriptor on
// the client side and must be refused rather than silently answered.
func Respond(nodeID [20]byte, b [32]byte, B [32]byte, clientData [84]byte) ([64]byte, *KeyMaterial, error) {
	var response [64]byte

	var reqNodeID, reqB, X [32]byte
	copy(reqNodeID[:20], clientData[0:20])
	copy(reqB[:], clientData[20:52])
	copy(X[:], clientData[52:84])

	if string(reqNodeID[:20]) != string(nodeID[:]) {
		return response, nil, fmt.Errorf("CREATE2 addressed to wrong node_id")
	}
	if reqB != B {
		return response, nil, fmt.Errorf("CREATE2 addressed to wrong onion key")
	}
	if isZero(X[:]) {
		return response, nil, fmt.Errorf("client public key X is all-zeros")
	}

	var y [32]byte
	if _, err := rand.Read(y[:]); err != nil {
		return response, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer clear(y[:])

	Y, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return response, nil, fmt.Errorf("compute public key: %w", err)
	}

	exp1, err := curve25519.X25519(y[:], X[:]) // ephemeral-ephemeral
	if err != nil {
		return response, nil, fmt.Errorf("curve25519 y*X: %w", err)
	}
	if isZero(exp1) {
		return response, nil, fmt.Errorf("y*X produced all-zeros point")
	}

	exp2, err := curve25519.X25519(b[:], X[:]) // static-ephemeral
	if err != nil {
		return response, nil, fmt.Errorf("curve25519 b*X: %w", err)
	}
	if isZero(exp2) {
		return response, nil, fmt.Errorf("b*X produced all-zeros point")
	}

	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, nodeID[:]...)
	secretInput = append(secretInput, B[:]...)
	secretInput = append(secretInput, X[:]...)
	secretInput = append(secretInput, Y...)
	secretInput = append(secretInput, []byte(protoID)...)

	verify := ntorHMAC(secretInput, tVerify)

	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, nodeID[:]...)
	authInput = append(authInput, B[:]...)
	authInput = append(authInput, Y...)
	authInput = append(authInput, X[:]...)
	authInput = append(authInput, []byte(protoID)...)
	authInput = append(authInput, []byte("Server")...)
	auth := ntorHMAC(authInput, tMac)

	kdf := hkdf.New(sha256.New, secretInput, []byte(tKey), []byte(mExpand))
	keys := make([]byte, 92)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return response, nil, fmt.Errorf("HKDF key derivation: %w", err)
	}

	km := &KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])

	clear(keys)
	clear(secretInput)
	clear(authInput)

	copy(response[0:32], Y)
	copy(response[32:64], auth)
	return response, km, nil
}
