// Package circuit implements Tor circuits: the origin (client-built,
// multi-hop) and forwarding (relay-held, single-layer) variants that share
// the onioncrypto primitives and relay-cell wire format (tor-spec §5, §6.1).
package circuit

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/tor-relay/cell"
	"github.com/cvsouth/tor-relay/channel"
	"github.com/cvsouth/tor-relay/descriptor"
	"github.com/cvsouth/tor-relay/ntor"
	"github.com/cvsouth/tor-relay/onioncrypto"
)

// Kind distinguishes an origin circuit (this process built it, multi-hop)
// from a forwarding circuit (this process is one hop along someone else's
// circuit, single-layer).
type Kind int

const (
	Origin Kind = iota
	Forwarding
)

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit (tor-spec §5.6).
const MaxRelayEarly = 8

// Circuit represents one end of a Tor circuit on one channel.
//
// Origin circuits hold the full ordered Hops slice built by Create/Extend.
// Forwarding circuits hold exactly one Hop — the layer this relay owns —
// plus the Next channel/circuit-id pair once an EXTEND2 has been processed
// for them; Next is the zero value until then.
type Circuit struct {
	rmu sync.Mutex // protects reads: inbound decrypt state
	wmu sync.Mutex // protects writes: outbound encrypt state, RelayEarlySent

	Kind    Kind
	ID      uint32
	Channel *channel.Channel

	// Origin fields.
	Hops           []*onioncrypto.Hop
	RelayEarlySent int

	// Forwarding fields.
	Hop            *onioncrypto.Hop
	Next           *channel.Channel
	NextID         uint32
	Created        bool // Next has been populated by a processed EXTEND2
	RelayEarlyRecv int  // count of inbound RELAY_EARLY cells, protected by rmu
}

// NoteRelayEarlyReceived records one more inbound RELAY_EARLY cell on this
// forwarding circuit and reports whether relay_early_budget (MaxRelayEarly)
// has been exceeded (tor-spec §5.6: "At most relay_early_budget RELAY_EARLY
// cells transit any single circuit").
func (c *Circuit) NoteRelayEarlyReceived() (exceeded bool) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.RelayEarlyRecv++
	return c.RelayEarlyRecv > MaxRelayEarly
}

// Create performs a CREATE2/CREATED2 handshake to build a single-hop origin
// circuit on ch, claiming circID (already allocated and reserved by the
// caller via circuitstore).
func Create(ch *channel.Channel, circID uint32, relayInfo *descriptor.RelayInfo, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	hs, err := ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
	if err != nil {
		return nil, fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Close()

	clientData := hs.ClientData()
	create2 := cell.NewFixedCell(circID, cell.CmdCreate2)
	p := create2.Payload()
	binary.BigEndian.PutUint16(p[0:2], 0x0002) // HTYPE = ntor
	binary.BigEndian.PutUint16(p[2:4], 84)     // HLEN = 84
	copy(p[4:88], clientData[:])

	ch.SetDeadline(time.Now().Add(30 * time.Second))
	defer ch.SetDeadline(time.Time{})

	logger.Debug("sending CREATE2", "circID", fmt.Sprintf("0x%08x", circID))
	if err := ch.WriteCell(create2); err != nil {
		return nil, fmt.Errorf("send CREATE2: %w", err)
	}

	resp, err := ch.ReadCell()
	if err != nil {
		return nil, fmt.Errorf("read CREATED2: %w", err)
	}

	cmd := resp.Command()
	if cmd == cell.CmdDestroy {
		return nil, fmt.Errorf("relay sent DESTROY (reason=%d) instead of CREATED2", resp.Payload()[0])
	}
	if cmd != cell.CmdCreated2 {
		return nil, fmt.Errorf("expected CREATED2 (11), got command %d", cmd)
	}

	rp := resp.Payload()
	hlen := binary.BigEndian.Uint16(rp[0:2])
	if hlen != 64 {
		return nil, fmt.Errorf("CREATED2 HLEN=%d, expected 64", hlen)
	}
	var serverData [64]byte
	copy(serverData[:], rp[2:66])

	km, err := hs.Complete(serverData)
	if err != nil {
		return nil, fmt.Errorf("ntor complete: %w", err)
	}
	logger.Info("ntor handshake complete")

	hop, err := onioncrypto.NewFromKeyMaterial(km.Kf, km.Kb, km.Df, km.Db)
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	if err != nil {
		return nil, fmt.Errorf("init hop: %w", err)
	}

	return &Circuit{
		Kind:    Origin,
		ID:      circID,
		Channel: ch,
		Hops:    []*onioncrypto.Hop{hop},
	}, nil
}

// Respond answers an inbound CREATE2 cell as the relay side, returning a new
// forwarding circuit holding this relay's one onion layer. The caller has
// already read create2 off prev and reserved circID in circuitstore.
func Respond(prev *channel.Channel, circID uint32, create2 cell.Cell, nodeID [20]byte, b [32]byte, B [32]byte) (*Circuit, error) {
	p := create2.Payload()
	htype := binary.BigEndian.Uint16(p[0:2])
	hlen := binary.BigEndian.Uint16(p[2:4])
	if htype != 0x0002 {
		return nil, fmt.Errorf("unsupported CREATE2 handshake type %d", htype)
	}
	if hlen != 84 {
		return nil, fmt.Errorf("CREATE2 HLEN=%d, expected 84", hlen)
	}
	var clientData [84]byte
	copy(clientData[:], p[4:88])

	serverData, km, err := ntor.Respond(nodeID, b, B, clientData)
	if err != nil {
		return nil, fmt.Errorf("ntor respond: %w", err)
	}

	hop, err := onioncrypto.NewFromKeyMaterial(km.Kf, km.Kb, km.Df, km.Db)
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	if err != nil {
		return nil, fmt.Errorf("init hop: %w", err)
	}

	created2 := cell.NewFixedCell(circID, cell.CmdCreated2)
	cp := created2.Payload()
	binary.BigEndian.PutUint16(cp[0:2], 64)
	copy(cp[2:66], serverData[:])
	if err := prev.WriteCell(created2); err != nil {
		return nil, fmt.Errorf("send CREATED2: %w", err)
	}

	return &Circuit{
		Kind:    Forwarding,
		ID:      circID,
		Channel: prev,
		Hop:     hop,
	}, nil
}

// RespondFast answers an inbound CREATE_FAST cell as the relay side
// (tor-spec §5.1.4): a non-public-key handshake, accepted for a circuit's
// first hop, where X and Y are exchanged in the clear and the hop's keys
// are derived from their concatenation by KDF-TOR. The caller has already
// read createFast off prev and reserved circID in circuitstore.
func RespondFast(prev *channel.Channel, circID uint32, createFast cell.Cell) (*Circuit, error) {
	p := createFast.Payload()
	if len(p) < ntor.FastKeyLen {
		return nil, fmt.Errorf("CREATE_FAST payload too short: %d bytes", len(p))
	}
	var x [ntor.FastKeyLen]byte
	copy(x[:], p[:ntor.FastKeyLen])

	y, kh, km, err := ntor.RespondFast(x)
	if err != nil {
		return nil, fmt.Errorf("CREATE_FAST respond: %w", err)
	}

	hop, err := onioncrypto.NewFromKeyMaterial(km.Kf, km.Kb, km.Df, km.Db)
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	if err != nil {
		return nil, fmt.Errorf("init hop: %w", err)
	}

	createdFast := cell.NewFixedCell(circID, cell.CmdCreatedFast)
	cp := createdFast.Payload()
	copy(cp[0:ntor.FastKeyLen], y[:])
	copy(cp[ntor.FastKeyLen:2*ntor.FastKeyLen], kh[:])
	if err := prev.WriteCell(createdFast); err != nil {
		return nil, fmt.Errorf("send CREATED_FAST: %w", err)
	}

	return &Circuit{
		Kind:    Forwarding,
		ID:      circID,
		Channel: prev,
		Hop:     hop,
	}, nil
}

// Destroy sends a DESTROY cell to tear down the circuit.
func (c *Circuit) Destroy(reason uint8) error {
	destroy := cell.NewFixedCell(c.ID, cell.CmdDestroy)
	destroy.Payload()[0] = reason
	return c.Channel.WriteCell(destroy)
}
