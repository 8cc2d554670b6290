// Package descriptor defines the per-relay identity shape the relay core
// consumes from its path provider (spec.md §6 "Path provider": "path
// selector returns an ordered list of hops with identity keys and onion
// keys"). Consensus fetching, descriptor parsing, and bandwidth weighting
// live in the directory subsystem, which spec.md §1/§6 places out of scope
// and names only as an external collaborator behind this shape.
package descriptor

// RelayInfo is the parsed relay identity needed to address a hop and run
// its ntor handshake: the fields an external path provider must supply.
type RelayInfo struct {
	NodeID       [20]byte // SHA-1 of relay's RSA identity key
	NtorOnionKey [32]byte // Curve25519 public key
	Address      string   // IP address
	ORPort       uint16   // OR port
	Fingerprint  string   // Hex fingerprint string (uppercase, no spaces)
}
