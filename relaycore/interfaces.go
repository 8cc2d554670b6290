package relaycore

import "time"

// PathHop is one entry of a path returned by a PathProvider: an identity
// digest, its ntor onion public key, and a dialable address.
type PathHop struct {
	Identity       [20]byte
	OnionPublicKey [32]byte
	Address        string
}

// PathProvider answers "what path should a new circuit take", abstracting
// over directory/pathselect so relaycore never imports them directly
// (spec.md §6 "Path provider").
type PathProvider interface {
	NextHopsFor(purpose string) ([]PathHop, error)
}

// IdentityStore is this relay's own long-term signing identity, abstracted
// so the core never touches private key material directly (spec.md §6
// "Identity key store").
type IdentityStore interface {
	SignWithIdentity(data []byte) ([]byte, error)
	MyIdentityDigest() [20]byte
}

// Clock abstracts wall/monotonic time and deadline scheduling so build-time
// and idle-timeout logic can be exercised without sleeping in tests
// (spec.md §6 "Clock").
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time  { return time.After(d) }

// SystemClock is the production Clock backed by the runtime.
var SystemClock Clock = systemClock{}
