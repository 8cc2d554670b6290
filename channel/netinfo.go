package channel

import "github.com/cvsouth/tor-relay/cell"

// buildNetInfo creates a NETINFO cell addressed to peerIP, with no
// MYADDR entries (avoids revealing which of our interfaces answered).
func buildNetInfo(peerIP []byte) cell.Cell {
	c := cell.NewFixedCell(0, cell.CmdNetInfo)
	p := c.Payload()
	// Timestamp = 0, avoiding a fingerprintable wall-clock skew.
	p[0], p[1], p[2], p[3] = 0, 0, 0, 0
	p[4] = 0x04 // ATYPE IPv4
	p[5] = 0x04 // ALEN = 4
	copy(p[6:10], peerIP)
	p[10] = 0x00 // NMYADDR = 0
	return c
}
