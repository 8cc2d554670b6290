package circuit

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cvsouth/tor-relay/cell"
	"github.com/cvsouth/tor-relay/channel"
	"github.com/cvsouth/tor-relay/descriptor"
	"github.com/cvsouth/tor-relay/ntor"
	"github.com/cvsouth/tor-relay/onioncrypto"
)

// LinkSpecType constants for EXTEND2 link specifiers.
const (
	LinkSpecIPv4    = 0x00 // 6 bytes: 4 IP + 2 port
	LinkSpecIPv6    = 0x01 // 18 bytes: 16 IP + 2 port
	LinkSpecRSAID   = 0x02 // 20 bytes: RSA identity fingerprint
	LinkSpecEd25519 = 0x03 // 32 bytes: Ed25519 identity
)

// Extend extends an origin circuit through an additional relay using
// EXTEND2/EXTENDED2, sent as a RELAY_EARLY cell encrypted to the current
// last hop.
func (c *Circuit) Extend(relayInfo *descriptor.RelayInfo, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Kind != Origin {
		return fmt.Errorf("Extend: not an origin circuit")
	}

	ip := net.ParseIP(relayInfo.Address)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid IPv4 address for relay: %s", relayInfo.Address)
	}

	hs, err := ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
	if err != nil {
		return fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Close()

	clientData := hs.ClientData()
	extend2Payload := buildExtend2Payload(relayInfo, clientData)

	c.wmu.Lock()
	relayCell, err := c.encryptRelayLocked(RelayExtend2, 0, extend2Payload)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("encrypt EXTEND2: %w", err)
	}
	if c.RelayEarlySent >= MaxRelayEarly {
		c.wmu.Unlock()
		return fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", c.RelayEarlySent, MaxRelayEarly)
	}
	c.RelayEarlySent++
	earlyCell := cell.NewFixedCell(c.ID, cell.CmdRelayEarly)
	copy(earlyCell.Payload(), relayCell.Payload())
	err = c.Channel.WriteCell(earlyCell)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("send EXTEND2: %w", err)
	}

	logger.Debug("sent EXTEND2", "to", relayInfo.Address)

	_, relayCmd, _, data, err := c.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("receive EXTENDED2: %w", err)
	}
	if relayCmd != RelayExtended2 {
		return fmt.Errorf("expected EXTENDED2 (15), got relay command %d", relayCmd)
	}

	if len(data) < 2 {
		return fmt.Errorf("EXTENDED2 too short: %d bytes", len(data))
	}
	hlen := binary.BigEndian.Uint16(data[0:2])
	if hlen != 64 {
		return fmt.Errorf("EXTENDED2 HLEN=%d, expected 64", hlen)
	}
	if len(data) < 2+int(hlen) {
		return fmt.Errorf("EXTENDED2 truncated: %d bytes, need %d", len(data), 2+hlen)
	}

	var serverData [64]byte
	copy(serverData[:], data[2:66])

	km, err := hs.Complete(serverData)
	if err != nil {
		return fmt.Errorf("ntor complete for new hop: %w", err)
	}

	hop, err := onioncrypto.NewFromKeyMaterial(km.Kf, km.Kb, km.Df, km.Db)
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	if err != nil {
		return fmt.Errorf("init new hop: %w", err)
	}

	c.wmu.Lock()
	c.rmu.Lock()
	c.Hops = append(c.Hops, hop)
	c.rmu.Unlock()
	c.wmu.Unlock()

	logger.Info("circuit extended", "hops", len(c.Hops))
	return nil
}

func buildExtend2Payload(relayInfo *descriptor.RelayInfo, clientData [84]byte) []byte {
	var specs [][]byte

	ip := net.ParseIP(relayInfo.Address)
	if ip4 := ip.To4(); ip4 != nil {
		spec := make([]byte, 8)
		spec[0] = LinkSpecIPv4
		spec[1] = 6
		copy(spec[2:6], ip4)
		binary.BigEndian.PutUint16(spec[6:8], relayInfo.ORPort)
		specs = append(specs, spec)
	}

	rsaSpec := make([]byte, 22)
	rsaSpec[0] = LinkSpecRSAID
	rsaSpec[1] = 20
	copy(rsaSpec[2:22], relayInfo.NodeID[:])
	specs = append(specs, rsaSpec)

	totalSpecLen := 0
	for _, s := range specs {
		totalSpecLen += len(s)
	}
	payload := make([]byte, 1+totalSpecLen+2+2+84)

	off := 0
	payload[off] = byte(len(specs))
	off++
	for _, s := range specs {
		copy(payload[off:], s)
		off += len(s)
	}
	binary.BigEndian.PutUint16(payload[off:], 0x0002)
	off += 2
	binary.BigEndian.PutUint16(payload[off:], 84)
	off += 2
	copy(payload[off:], clientData[:])

	return payload
}

// ParsedExtend2 holds the fields a relay needs to act on an inbound EXTEND2.
type ParsedExtend2 struct {
	Addr    string // "ip:port"
	Create2 []byte // HTYPE(2) || HLEN(2) || HDATA, verbatim, ready to embed in a CREATE2 cell payload
}

// ParseExtend2 extracts the next hop's address and embedded CREATE2 payload
// from an EXTEND2 relay cell body, as sent by Extend above.
func ParseExtend2(data []byte) (*ParsedExtend2, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("EXTEND2 empty")
	}
	nspec := int(data[0])
	pos := 1

	var addr string
	for i := 0; i < nspec; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("EXTEND2 link specifier %d truncated", i)
		}
		lsType := data[pos]
		lsLen := int(data[pos+1])
		pos += 2
		if pos+lsLen > len(data) {
			return nil, fmt.Errorf("EXTEND2 link specifier %d data overflows", i)
		}
		spec := data[pos : pos+lsLen]
		pos += lsLen

		if lsType == LinkSpecIPv4 && lsLen == 6 {
			ip := net.IP(spec[0:4])
			port := binary.BigEndian.Uint16(spec[4:6])
			addr = fmt.Sprintf("%s:%d", ip.String(), port)
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("EXTEND2 contained no usable IPv4 link specifier")
	}

	if pos+4 > len(data) {
		return nil, fmt.Errorf("EXTEND2 missing handshake header")
	}
	htype := binary.BigEndian.Uint16(data[pos : pos+2])
	hlen := binary.BigEndian.Uint16(data[pos+2 : pos+4])
	if htype != 0x0002 {
		return nil, fmt.Errorf("EXTEND2 unsupported handshake type %d", htype)
	}
	if pos+4+int(hlen) > len(data) {
		return nil, fmt.Errorf("EXTEND2 handshake data truncated")
	}

	create2 := make([]byte, 4+hlen)
	copy(create2, data[pos:pos+4+int(hlen)])

	return &ParsedExtend2{Addr: addr, Create2: create2}, nil
}

// ForwardExtend processes an inbound EXTEND2 addressed to this forwarding
// circuit: it dials (or reuses) a channel to the next hop, relays the
// embedded CREATE2 handshake verbatim, and records Next/NextID so future
// relay cells not recognized at this hop are forwarded there. It does not
// perform any cryptography itself — the ntor handshake is between the
// origin and the new hop, and this relay never sees the resulting keys.
func (c *Circuit) ForwardExtend(parsed *ParsedExtend2, dial func(addr string) (*channel.Channel, error), nextCircID uint32) error {
	if c.Kind != Forwarding {
		return fmt.Errorf("ForwardExtend: not a forwarding circuit")
	}

	next, err := dial(parsed.Addr)
	if err != nil {
		return fmt.Errorf("dial next hop %s: %w", parsed.Addr, err)
	}

	create2 := cell.NewFixedCell(nextCircID, cell.CmdCreate2)
	copy(create2.Payload(), parsed.Create2)

	next.SetDeadline(time.Now().Add(30 * time.Second))
	defer next.SetDeadline(time.Time{})

	if err := next.WriteCell(create2); err != nil {
		return fmt.Errorf("send CREATE2 to next hop: %w", err)
	}

	resp, err := next.ReadCell()
	if err != nil {
		return fmt.Errorf("read CREATED2 from next hop: %w", err)
	}
	if resp.Command() == cell.CmdDestroy {
		return fmt.Errorf("next hop sent DESTROY (reason=%d) instead of CREATED2", resp.Payload()[0])
	}
	if resp.Command() != cell.CmdCreated2 {
		return fmt.Errorf("expected CREATED2 from next hop, got command %d", resp.Command())
	}

	rp := resp.Payload()
	hlen := binary.BigEndian.Uint16(rp[0:2])
	extended2 := make([]byte, 2+int(hlen))
	binary.BigEndian.PutUint16(extended2[0:2], hlen)
	copy(extended2[2:], rp[2:2+int(hlen)])

	c.wmu.Lock()
	c.Next = next
	c.NextID = nextCircID
	c.Created = true
	c.wmu.Unlock()

	return c.SealBackward(RelayExtended2, 0, extended2)
}
