package channel

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cvsouth/tor-relay/cell"
)

// Dial connects to a Tor relay at addr and performs the client side of the
// link handshake.
func Dial(addr string, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting", "addr", addr)
	tcpConn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}

	tlsConfig := &tls.Config{
		// Tor relays use self-signed certs; identity is verified via the
		// CERTS cell's Ed25519 chain, not the TLS PKI.
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	}

	tlsConn := tls.Client(tcpConn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	logger.Info("tls established", "version", tlsConn.ConnectionState().Version)

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("no peer TLS certificate")
	}
	peerCertHash := sha256.Sum256(state.PeerCertificates[0].Raw)

	br := bufio.NewReader(tlsConn)

	versionsCell := cell.NewVersionsCell(clientOfferedVersions)
	logger.Debug("sending VERSIONS", "versions", clientOfferedVersions)
	if err := cell.Encode(tlsConn, versionsCell); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send VERSIONS: %w", err)
	}

	serverVersionsCell, err := cell.DecodeNext(br, cell.VersionUnnegotiated)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read VERSIONS: %w", err)
	}
	serverVersions := parseVersionsPayload(serverVersionsCell)
	logger.Debug("received VERSIONS", "versions", serverVersions)

	offered := map[uint16]bool{}
	for _, v := range clientOfferedVersions {
		offered[v] = true
	}
	negotiated := negotiateVersion(serverVersions, func(v uint16) bool { return offered[v] })
	if negotiated == 0 {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("no common link protocol version (server offered %v)", serverVersions)
	}
	logger.Info("version negotiated", "version", negotiated)

	certsCell, err := readExpectedCell(br, negotiated, cell.CmdCerts, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read CERTS: %w", err)
	}
	identityKey, err := validateCerts(certsCell.Payload(), peerCertHash[:], logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("validate CERTS: %w", err)
	}

	if _, err := readExpectedCell(br, negotiated, cell.CmdAuthChallenge, logger); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read AUTH_CHALLENGE: %w", err)
	}

	netinfoCell, err := readExpectedCell(br, negotiated, cell.CmdNetInfo, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read NETINFO: %w", err)
	}
	_ = netinfoCell

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("parse relay addr: %w", err)
	}
	peerIP := net.ParseIP(host).To4()
	if peerIP == nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("relay IP not IPv4: %s", host)
	}

	if err := cell.Encode(tlsConn, buildNetInfo(peerIP)); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send NETINFO: %w", err)
	}

	_ = tlsConn.SetDeadline(time.Time{})
	logger.Info("handshake complete", "role", "client")

	return &Channel{
		conn:                tlsConn,
		r:                   br,
		Role:                RoleClient,
		Version:             negotiated,
		PeerIdentityEd25519: identityKey,
		PeerAddr:            addr,
		circIDs:             make(map[uint32]bool),
		lastActivity:        time.Now(),
	}, nil
}

func parseVersionsPayload(c cell.Cell) []uint16 {
	// VERSIONS always uses the 2-byte circID layout regardless of what has
	// been negotiated (there is nothing to negotiate yet).
	payload := c[5:]
	n := len(payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = uint16(payload[2*i])<<8 | uint16(payload[2*i+1])
	}
	return versions
}
