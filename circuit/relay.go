package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/tor-relay/cell"
)

// Relay cell command constants (tor-spec §6.1).
const (
	RelayBegin                 uint8 = 1
	RelayData                  uint8 = 2
	RelayEnd                   uint8 = 3
	RelayConnected             uint8 = 4
	RelaySendMe                uint8 = 5
	RelayExtend                uint8 = 6 // legacy v1 EXTEND, refused in favor of EXTEND2
	RelayExtended              uint8 = 7 // legacy v1 EXTENDED
	RelayTruncate              uint8 = 8
	RelayTruncated             uint8 = 9
	RelayDrop                  uint8 = 10
	RelayResolve               uint8 = 11
	RelayResolved              uint8 = 12
	RelayBeginDir              uint8 = 13
	RelayExtend2               uint8 = 14
	RelayExtended2             uint8 = 15
	RelayEstablishRendezvous   uint8 = 33
	RelayIntroduce1            uint8 = 34
	RelayRendezvous2           uint8 = 37
	RelayRendezvousEstablished uint8 = 39
	RelayIntroduceAck          uint8 = 40
)

// RelayPayloadLen is the length of a relay cell payload (inside a fixed cell).
const RelayPayloadLen = cell.MaxPayloadLen // 509

const (
	relayCommandOff  = 0  // 1 byte
	relayStreamIDOff = 3  // 2 bytes
	relayLengthOff   = 9  // 2 bytes
	relayDataOff     = 11 // up to 498 bytes
)

// MaxRelayDataLen is the maximum data in a single relay cell.
const MaxRelayDataLen = RelayPayloadLen - relayDataOff // 498

// EncryptRelay builds and onion-encrypts a relay cell addressed to this
// origin circuit's last (most recently extended) hop. Acquires c.wmu.
func (c *Circuit) EncryptRelay(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.encryptRelayLocked(relayCmd, streamID, data)
}

func (c *Circuit) encryptRelayLocked(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	if c.Kind != Origin {
		return nil, fmt.Errorf("encryptRelay: not an origin circuit")
	}
	if len(c.Hops) == 0 {
		return nil, fmt.Errorf("circuit has no hops")
	}
	if len(data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}

	var payload [RelayPayloadLen]byte
	payload[relayCommandOff] = relayCmd
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(data)))
	copy(payload[relayDataOff:], data)

	padStart := relayDataOff + len(data)
	if padStart+4 < RelayPayloadLen {
		_, _ = rand.Read(payload[padStart+4:])
	}

	last := len(c.Hops) - 1
	c.Hops[last].SealForward(payload[:])
	for i := last - 1; i >= 0; i-- {
		c.Hops[i].WrapForward(payload[:])
	}

	relayCell := cell.NewFixedCell(c.ID, cell.CmdRelay)
	copy(relayCell.Payload(), payload[:])
	return relayCell, nil
}

// SendRelay encrypts and sends a relay cell through the circuit atomically.
func (c *Circuit) SendRelay(relayCmd uint8, streamID uint16, data []byte) error {
	c.wmu.Lock()
	relayCell, err := c.encryptRelayLocked(relayCmd, streamID, data)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("encrypt relay: %w", err)
	}
	err = c.Channel.WriteCell(relayCell)
	c.wmu.Unlock()
	return err
}

// SendRelayEarly sends a RELAY_EARLY cell, enforcing the per-circuit budget.
func (c *Circuit) SendRelayEarly(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.RelayEarlySent >= MaxRelayEarly {
		return fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", c.RelayEarlySent, MaxRelayEarly)
	}
	c.RelayEarlySent++

	earlyCell := cell.NewFixedCell(c.ID, cell.CmdRelayEarly)
	copy(earlyCell.Payload(), payload)
	return c.Channel.WriteCell(earlyCell)
}

// DecryptRelay peels each origin hop's backward layer in order until one
// recognizes the cell, and returns its contents. Acquires c.rmu.
func (c *Circuit) DecryptRelay(incoming cell.Cell) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.decryptRelayLocked(incoming)
}

func (c *Circuit) decryptRelayLocked(incoming cell.Cell) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	if c.Kind != Origin {
		return 0, 0, 0, nil, fmt.Errorf("decryptRelay: not an origin circuit")
	}
	if len(c.Hops) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("circuit has no hops")
	}

	payload := make([]byte, RelayPayloadLen)
	copy(payload, incoming.Payload()[:RelayPayloadLen])

	for i, hop := range c.Hops {
		ok, err := hop.PeelBackward(payload)
		if err != nil {
			return 0, 0, 0, nil, fmt.Errorf("peel backward at hop %d: %w", i, err)
		}
		if !ok {
			continue
		}

		relayCmd = payload[relayCommandOff]
		streamID = binary.BigEndian.Uint16(payload[relayStreamIDOff:])
		dataLen := binary.BigEndian.Uint16(payload[relayLengthOff:])
		if int(dataLen) > MaxRelayDataLen {
			return 0, 0, 0, nil, fmt.Errorf("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
		}
		data = make([]byte, dataLen)
		copy(data, payload[relayDataOff:relayDataOff+int(dataLen)])
		return i, relayCmd, streamID, data, nil
	}

	return 0, 0, 0, nil, fmt.Errorf("relay cell not recognized at any hop")
}

// ReceiveRelay reads and decrypts the next relay cell from the circuit,
// skipping PADDING and treating DESTROY as an error.
func (c *Circuit) ReceiveRelay() (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	for {
		c.rmu.Lock()
		incoming, err := c.Channel.ReadCell()
		if err != nil {
			c.rmu.Unlock()
			return 0, 0, 0, nil, fmt.Errorf("read cell: %w", err)
		}

		switch incoming.Command() {
		case cell.CmdPadding:
			c.rmu.Unlock()
			continue
		case cell.CmdDestroy:
			c.rmu.Unlock()
			return 0, 0, 0, nil, fmt.Errorf("circuit destroyed by relay (reason=%d)", incoming.Payload()[0])
		case cell.CmdRelay, cell.CmdRelayEarly:
			h, rc, sid, d, derr := c.decryptRelayLocked(incoming)
			c.rmu.Unlock()
			return h, rc, sid, d, derr
		default:
			c.rmu.Unlock()
			return 0, 0, 0, nil, fmt.Errorf("unexpected cell command %d on circuit", incoming.Command())
		}
	}
}

// BackwardDigest returns the current backward digest of the last hop, used
// to authenticate a circuit-level SENDME this circuit emits after receiving
// enough DATA cells.
func (c *Circuit) BackwardDigest() []byte {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.Kind != Origin || len(c.Hops) == 0 {
		return nil
	}
	return c.Hops[len(c.Hops)-1].BackwardDigest()
}

// ForwardDigest returns the current forward digest of the last hop, used to
// validate the digest echo on a circuit-level SENDME this circuit receives:
// since the last hop tracks the identical forward digest over the same cells
// this circuit sent it, the two must agree bit-for-bit at any point both
// sides have processed the same number of DATA cells.
func (c *Circuit) ForwardDigest() []byte {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.Kind != Origin || len(c.Hops) == 0 {
		return nil
	}
	return c.Hops[len(c.Hops)-1].ForwardDigest()
}

// DecodeRelayHeader parses relayCmd/streamID/data out of an already fully
// decrypted relay-cell payload (i.e. one PeelForward or PeelBackward has
// already recognized). Exported so relaycore can interpret a cell its
// forwarding circuit's PeelForward reports as addressed to this hop.
func DecodeRelayHeader(payload []byte) (relayCmd uint8, streamID uint16, data []byte, err error) {
	if len(payload) < relayDataOff {
		return 0, 0, nil, fmt.Errorf("relay payload too short: %d bytes", len(payload))
	}
	relayCmd = payload[relayCommandOff]
	streamID = binary.BigEndian.Uint16(payload[relayStreamIDOff:])
	dataLen := binary.BigEndian.Uint16(payload[relayLengthOff:])
	if int(dataLen) > MaxRelayDataLen {
		return 0, 0, nil, fmt.Errorf("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
	}
	data = make([]byte, dataLen)
	copy(data, payload[relayDataOff:relayDataOff+int(dataLen)])
	return relayCmd, streamID, data, nil
}

// PeelForward decrypts and checks an inbound relay payload against this
// forwarding circuit's one hop. ok reports whether it was addressed to this
// relay; if not, payload holds the singly-decrypted bytes ready to forward
// to Next unmodified.
func (c *Circuit) PeelForward(payload []byte) (ok bool, err error) {
	if c.Kind != Forwarding {
		return false, fmt.Errorf("PeelForward: not a forwarding circuit")
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.Hop.PeelForward(payload)
}

// WrapBackward encrypts a pass-through backward-direction payload with this
// forwarding circuit's hop, without touching recognized/digest (the cell
// either originated deeper in the path, or this relay already sealed it with
// SealBackward before calling WrapBackward on anything further).
func (c *Circuit) WrapBackward(payload []byte) error {
	if c.Kind != Forwarding {
		return fmt.Errorf("WrapBackward: not a forwarding circuit")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.Hop.WrapBackward(payload)
	return nil
}

// SealBackward finalizes a relay cell this relay is originating itself (e.g.
// CONNECTED, RESOLVED, a local SENDME, or RELAY_END) and sends it to Prev.
func (c *Circuit) SealBackward(relayCmd uint8, streamID uint16, data []byte) error {
	if c.Kind != Forwarding {
		return fmt.Errorf("SealBackward: not a forwarding circuit")
	}
	if len(data) > MaxRelayDataLen {
		return fmt.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}

	var payload [RelayPayloadLen]byte
	payload[relayCommandOff] = relayCmd
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(data)))
	copy(payload[relayDataOff:], data)

	padStart := relayDataOff + len(data)
	if padStart+4 < RelayPayloadLen {
		_, _ = rand.Read(payload[padStart+4:])
	}

	c.wmu.Lock()
	c.Hop.SealBackward(payload[:])
	c.wmu.Unlock()

	out := cell.NewFixedCell(c.ID, cell.CmdRelay)
	copy(out.Payload(), payload[:])
	return c.Channel.WriteCell(out)
}
