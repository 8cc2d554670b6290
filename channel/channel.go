// Package channel implements the Tor link protocol: the TLS transport and
// VERSIONS/CERTS/AUTH_CHALLENGE/NETINFO handshake that multiplexes many
// circuits over one connection to a peer (tor-spec §4.2). It generalizes the
// teacher's client-only link package to both the dial (client/origin) and
// accept (server/relay) roles.
package channel

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/tor-relay/cell"
)

// Role distinguishes which side of the handshake this Channel played.
type Role int

const (
	RoleClient Role = iota // we dialed out
	RoleServer             // we accepted an inbound connection
)

// Channel is an established Tor link connection, shared by however many
// circuits are multiplexed over it.
type Channel struct {
	conn    *tls.Conn
	r       *bufio.Reader
	wmu     sync.Mutex // serializes cell writes
	Role    Role
	Version cell.LinkVersion

	// PeerIdentityEd25519 is the peer's Ed25519 identity key from CERTS
	// validation (nil if the peer never authenticated, e.g. an ordinary
	// client that dialed us without sending CERTS).
	PeerIdentityEd25519 []byte
	// PeerAddr is the remote address of the underlying connection.
	PeerAddr string

	circIDsMu sync.Mutex
	circIDs   map[uint32]bool

	lastActivityMu sync.Mutex
	lastActivity   time.Time
}

// ClaimCircID registers a circuit ID on this channel. Returns false if
// already in use — the caller should retry with a freshly allocated id.
func (ch *Channel) ClaimCircID(id uint32) bool {
	ch.circIDsMu.Lock()
	defer ch.circIDsMu.Unlock()
	if ch.circIDs[id] {
		return false
	}
	if ch.circIDs == nil {
		ch.circIDs = make(map[uint32]bool)
	}
	ch.circIDs[id] = true
	return true
}

// ReleaseCircID removes a circuit ID from this channel's tracking.
func (ch *Channel) ReleaseCircID(id uint32) {
	ch.circIDsMu.Lock()
	delete(ch.circIDs, id)
	ch.circIDsMu.Unlock()
}

// SetDeadline sets a deadline on the underlying connection.
func (ch *Channel) SetDeadline(t time.Time) error {
	return ch.conn.SetDeadline(t)
}

// Close closes the underlying TLS connection.
func (ch *Channel) Close() error {
	return ch.conn.Close()
}

// ReadCell reads the next cell, honoring this channel's negotiated circuit-id
// width.
func (ch *Channel) ReadCell() (cell.Cell, error) {
	c, err := cell.DecodeNext(ch.r, ch.Version)
	if err != nil {
		return nil, err
	}
	ch.touch()
	return c, nil
}

// WriteCell writes a cell to the peer. Safe for concurrent use by multiple
// circuits sharing this channel.
func (ch *Channel) WriteCell(c cell.Cell) error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if err := cell.Encode(ch.conn, c); err != nil {
		return err
	}
	ch.touch()
	return nil
}

func (ch *Channel) touch() {
	ch.lastActivityMu.Lock()
	ch.lastActivity = time.Now()
	ch.lastActivityMu.Unlock()
}

// Idle reports whether no cell has crossed this channel in at least d.
func (ch *Channel) Idle(d time.Duration) bool {
	ch.lastActivityMu.Lock()
	defer ch.lastActivityMu.Unlock()
	return time.Since(ch.lastActivity) >= d
}

var clientOfferedVersions = []uint16{3, 4, 5}

// readExpectedCell reads cells, skipping PADDING/VPADDING, until it gets the
// expected command.
func readExpectedCell(r *bufio.Reader, version cell.LinkVersion, expected uint8, logger *slog.Logger) (cell.Cell, error) {
	for i := 0; i < 100; i++ {
		c, err := cell.DecodeNext(r, version)
		if err != nil {
			return nil, err
		}
		cmd := c.Command()
		if cmd == cell.CmdPadding || cmd == cell.CmdVPadding {
			logger.Debug("skipping padding cell", "cmd", cmd)
			continue
		}
		if cmd != expected {
			return nil, fmt.Errorf("expected command %d, got %d", expected, cmd)
		}
		return c, nil
	}
	return nil, fmt.Errorf("too many padding cells before command %d", expected)
}

func negotiateVersion(offered []uint16, accept func(uint16) bool) cell.LinkVersion {
	var best uint16
	for _, v := range offered {
		if accept(v) && v > best {
			best = v
		}
	}
	return cell.LinkVersion(best)
}
