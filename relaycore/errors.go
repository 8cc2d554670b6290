// Package relaycore wires the cell/channel/circuit/circuitstore/relay/
// scheduler components into a running relay: accepting inbound channels,
// answering CREATE2, forwarding EXTEND2, dispatching relay cells to the
// exit-side stream table, and exposing the client and operator APIs of
// spec.md §6. Earlier packages in this module only ever dial out as a
// client, so this package's own shape follows spec.md §5/§6 directly,
// built from the primitives (`channel`, `circuit`, `circuitstore`, `relay`,
// `scheduler`) those packages already provide.
package relaycore

import "fmt"

// Class is the closed error taxonomy of spec.md §7, letting callers branch
// on category without string-matching an error's text.
type Class int

const (
	ClassTransport Class = iota
	ClassProtocol
	ClassPolicy
	ClassResource
	ClassTimeout
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassTransport:
		return "TRANSPORT"
	case ClassProtocol:
		return "PROTOCOL"
	case ClassPolicy:
		return "POLICY"
	case ClassResource:
		return "RESOURCE"
	case ClassTimeout:
		return "TIMEOUT"
	case ClassInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error wraps an underlying error with the §7 class that determines its
// propagation policy (a Protocol error closes the circuit, a Transport
// error closes the whole channel, and so on).
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}
