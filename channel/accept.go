package channel

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cvsouth/tor-relay/cell"
)

var serverOfferedVersions = []uint16{3, 4, 5}

// Accept performs the server side of the link handshake over an already
// TCP-accepted connection, authenticating to the peer with id. It does not
// require the peer to authenticate back (ordinary clients never send
// CERTS/AUTHENTICATE; an AUTHENTICATE from a peer relay, if sent, is read
// and discarded — verifying it is outside this implementation's scope since
// the relay core never needs to distinguish an authenticated peer relay
// from an anonymous client for routing purposes).
func Accept(conn net.Conn, id *Identity, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{id.TLSCert},
		MinVersion:   tls.VersionTLS12,
	}
	tlsConn := tls.Server(conn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	ourCertHash := sha256.Sum256(id.TLSCert.Certificate[0])
	br := bufio.NewReader(tlsConn)

	clientVersionsCell, err := cell.DecodeNext(br, cell.VersionUnnegotiated)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read VERSIONS: %w", err)
	}
	clientVersions := parseVersionsPayload(clientVersionsCell)

	offered := map[uint16]bool{}
	for _, v := range clientVersions {
		offered[v] = true
	}
	negotiated := negotiateVersion(serverOfferedVersions, func(v uint16) bool { return offered[v] })
	if negotiated == 0 {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("no common link protocol version (peer offered %v)", clientVersions)
	}

	if err := cell.Encode(tlsConn, cell.NewVersionsCell(serverOfferedVersions)); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send VERSIONS: %w", err)
	}

	certsPayload := buildCertsCell(id, ourCertHash)
	if err := cell.Encode(tlsConn, cell.NewVarCell(0, cell.CmdCerts, certsPayload)); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send CERTS: %w", err)
	}

	// AUTH_CHALLENGE: 32-byte random challenge + a list of methods we
	// support. We never require the peer to answer it, so the method list
	// is informational only.
	challenge := make([]byte, 32+2+2)
	_, _ = rand.Read(challenge[:32])
	challenge[32], challenge[33] = 0, 1 // N_METHODS = 1
	challenge[34], challenge[35] = 0, 1 // METHODS = {1} (RSA_SHA256_TLSSECRET, unused)
	if err := cell.Encode(tlsConn, cell.NewVarCell(0, cell.CmdAuthChallenge, challenge)); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send AUTH_CHALLENGE: %w", err)
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	peerIP := net.ParseIP(host).To4()
	if peerIP == nil {
		peerIP = net.IPv4zero.To4()
	}
	if err := cell.Encode(tlsConn, buildNetInfo(peerIP)); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send NETINFO: %w", err)
	}

	var peerIdentity []byte
	// A connecting Tor relay sends its own CERTS/NETINFO next; an ordinary
	// client sends only NETINFO. Read the next non-padding cell to tell
	// them apart without blocking forever on an ordinary client.
	next, err := readExpectedCellAnyOf(br, negotiated, []uint8{cell.CmdCerts, cell.CmdNetInfo}, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read peer CERTS/NETINFO: %w", err)
	}
	if next.Command() == cell.CmdCerts {
		peerIdentity, err = validateCerts(next.Payload(), ourCertHash[:], logger)
		if err != nil {
			logger.Debug("peer CERTS did not validate, treating as anonymous client", "err", err)
		}
		after, err := readExpectedCellAnyOf(br, negotiated, []uint8{cell.CmdAuthenticate, cell.CmdNetInfo}, logger)
		if err == nil && after.Command() == cell.CmdAuthenticate {
			_, err = readExpectedCell(br, negotiated, cell.CmdNetInfo, logger)
		}
		if err != nil {
			_ = tlsConn.Close()
			return nil, fmt.Errorf("read peer NETINFO: %w", err)
		}
	}

	_ = tlsConn.SetDeadline(time.Time{})
	logger.Info("handshake complete", "role", "server", "peer", conn.RemoteAddr())

	return &Channel{
		conn:                tlsConn,
		r:                   br,
		Role:                RoleServer,
		Version:             negotiated,
		PeerIdentityEd25519: peerIdentity,
		PeerAddr:            conn.RemoteAddr().String(),
		circIDs:             make(map[uint32]bool),
		lastActivity:        time.Now(),
	}, nil
}

// readExpectedCellAnyOf is readExpectedCell generalized to a set of
// acceptable commands.
func readExpectedCellAnyOf(r *bufio.Reader, version cell.LinkVersion, expected []uint8, logger *slog.Logger) (cell.Cell, error) {
	want := map[uint8]bool{}
	for _, c := range expected {
		want[c] = true
	}
	for i := 0; i < 100; i++ {
		c, err := cell.DecodeNext(r, version)
		if err != nil {
			return nil, err
		}
		cmd := c.Command()
		if cmd == cell.CmdPadding || cmd == cell.CmdVPadding {
			continue
		}
		if !want[cmd] {
			return nil, fmt.Errorf("expected one of %v, got %d", expected, cmd)
		}
		return c, nil
	}
	return nil, fmt.Errorf("too many padding cells before an expected command")
}
