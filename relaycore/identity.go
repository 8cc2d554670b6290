package relaycore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/cvsouth/tor-relay/channel"
)

// RelayIdentity bundles this process's link-layer identity (channel.Identity,
// used for the CERTS handshake) with the ntor onion keypair it answers
// CREATE2/EXTEND2 with, needed only by the responder role.
// descriptor.RelayInfo.NodeID is documented as "SHA-1 of relay's RSA identity
// key", but since this implementation's link identity is Ed25519 rather than
// RSA, NodeID here is derived as SHA-1 of the Ed25519 identity public key,
// which serves the same purpose (a stable 20-byte fingerprint CREATE2's
// node_id field addresses).
type RelayIdentity struct {
	Link *channel.Identity

	NodeID       [20]byte
	OnionPublic  [32]byte // ntor onion public key (B)
	onionPrivate [32]byte // ntor onion private key (b), never exported
}

// NewRelayIdentity generates a fresh link identity and onion keypair.
func NewRelayIdentity() (*RelayIdentity, error) {
	link, err := channel.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate link identity: %w", err)
	}

	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("generate onion private key: %w", err)
	}
	B, err := curve25519.X25519(b[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive onion public key: %w", err)
	}

	ri := &RelayIdentity{Link: link, onionPrivate: b}
	copy(ri.OnionPublic[:], B)

	digest := sha1.Sum(link.IdentityPub)
	ri.NodeID = digest

	return ri, nil
}

// SignWithIdentity implements IdentityStore.
func (ri *RelayIdentity) SignWithIdentity(data []byte) ([]byte, error) {
	return ed25519.Sign(ri.Link.IdentityPriv, data), nil
}

// MyIdentityDigest implements IdentityStore.
func (ri *RelayIdentity) MyIdentityDigest() [20]byte {
	return ri.NodeID
}
