package relaycore

import (
	"sync/atomic"

	"github.com/cvsouth/tor-relay/circuit"
	"github.com/cvsouth/tor-relay/endreason"
)

// ChannelInfo and CircuitInfo are read-only operator-API projections:
// spec.md §6 ties list_channels/list_circuits to "an external control
// surface", so these intentionally expose only wire-level identifiers, not
// the live *channel.Channel/*circuit.Circuit.
type ChannelInfo struct {
	PeerAddr string
}

type CircuitInfo struct {
	ID   uint32
	Kind circuit.Kind
}

// ListChannels implements the Operator API's list_channels().
func (c *Core) ListChannels() []ChannelInfo {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	out := make([]ChannelInfo, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ChannelInfo{PeerAddr: ch.PeerAddr})
	}
	return out
}

// ListCircuits implements the Operator API's list_circuits().
func (c *Core) ListCircuits() []CircuitInfo {
	circs := c.store.ListCircuits()
	out := make([]CircuitInfo, 0, len(circs))
	for _, circ := range circs {
		out = append(out, CircuitInfo{ID: circ.ID, Kind: circ.Kind})
	}
	return out
}

// CloseCircuit implements the Operator API's close_circuit(id, reason). It
// matches by the circuit's own wire id; since ids are only unique per
// channel, this closes the first forwarding circuit found with that id.
func (c *Core) CloseCircuit(id uint32, reason endreason.Reason) bool {
	for _, circ := range c.store.ListCircuits() {
		if circ.ID == id {
			c.teardownCircuit(circ, reason, true)
			return true
		}
	}
	return false
}

// BugCount reports the monotonically increasing internal-error counter
// (spec.md §7 "Internal errors ... reported via the operator API with a
// monotonically-increasing bug counter").
func (c *Core) BugCount() int64 {
	return atomic.LoadInt64(&c.bugs)
}
