package relay

import (
	"net"
	"strconv"
	"strings"
)

// ExitPolicy decides whether this relay will open an outbound connection to
// a BEGIN target, mirroring spec.md §6's abstract exit-policy interface.
// It is a small stdlib-only decision table, grounded directly in spec.md
// §4.5 ("Policy checks ... performed before opening the socket; denial
// yields END(reason=EXITPOLICY)").
type ExitPolicy interface {
	Allow(host string, port uint16) bool
}

// PortAllowlist allows BEGIN only to the configured ports, rejecting
// loopback and link-local/private destinations outright so a misconfigured
// relay cannot be used to probe its own host or local network.
type PortAllowlist struct {
	Ports map[uint16]bool
}

// NewPortAllowlist builds a PortAllowlist from the given allowed ports. With
// no arguments, nothing is allowed.
func NewPortAllowlist(ports ...uint16) *PortAllowlist {
	pa := &PortAllowlist{Ports: make(map[uint16]bool, len(ports))}
	for _, p := range ports {
		pa.Ports[p] = true
	}
	return pa
}

// Allow reports whether host:port passes policy. host may be a literal IP or
// a hostname; hostnames are allowed through to resolution (the resolver, not
// the policy, is responsible for catching a hostname that resolves to a
// disallowed address).
func (pa *PortAllowlist) Allow(host string, port uint16) bool {
	if !pa.Ports[port] {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return true
	}
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsPrivate() && !ip.IsUnspecified()
}

// DefaultExitPorts are the ports tor's default reduced exit policy allows.
var DefaultExitPorts = []uint16{20, 21, 22, 23, 43, 53, 79, 80, 110, 143, 194, 220, 443,
	465, 531, 543, 554, 563, 587, 636, 706, 749, 873, 902, 903, 981, 989, 990,
	991, 992, 993, 994, 995, 1194, 1220, 1293, 1500, 1533, 1677, 1723, 1755,
	1863, 2082, 2083, 2086, 2087, 2095, 2096, 2102, 2103, 2104, 3128, 3389,
	3690, 4321, 4643, 5050, 5190, 5222, 5223, 5228, 5900, 6660, 6697, 8008,
	8080, 8087, 8088, 8332, 8333, 8443, 8888, 9418, 9999, 10000}

func parseTarget(target string) (host string, port uint16, err error) {
	h, p, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return h, uint16(n), nil
}
