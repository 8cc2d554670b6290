package relaycore

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/cvsouth/tor-relay/channel"
	"github.com/cvsouth/tor-relay/circuit"
	"github.com/cvsouth/tor-relay/descriptor"
	"github.com/cvsouth/tor-relay/endreason"
	"github.com/cvsouth/tor-relay/stream"
)

// Client implements the outbound Client API of spec.md §6 atop a
// freshly built origin circuit: open_stream/write/read/close.
type Client struct {
	circ   *circuit.Circuit
	ch     *channel.Channel
	logger *slog.Logger
}

// BuildClient selects a path via provider, dials the first hop, performs
// CREATE2, and EXTEND2s through the rest of the path, returning a Client
// ready to open streams.
func BuildClient(provider PathProvider, purpose string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hops, err := provider.NextHopsFor(purpose)
	if err != nil {
		return nil, newError(ClassInternal, "BuildClient", err)
	}
	if len(hops) == 0 {
		return nil, newError(ClassInternal, "BuildClient", fmt.Errorf("path provider returned no hops"))
	}

	ch, err := channel.Dial(hops[0].Address, logger)
	if err != nil {
		return nil, newError(ClassTransport, "BuildClient", err)
	}

	circID, err := newInitiatorCircID(ch)
	if err != nil {
		_ = ch.Close()
		return nil, newError(ClassInternal, "BuildClient", err)
	}

	relayInfo, err := toRelayInfo(hops[0])
	if err != nil {
		_ = ch.Close()
		return nil, newError(ClassProtocol, "BuildClient", err)
	}
	circ, err := circuit.Create(ch, circID, relayInfo, logger)
	if err != nil {
		_ = ch.Close()
		return nil, newError(ClassProtocol, "BuildClient", err)
	}

	for _, hop := range hops[1:] {
		ri, err := toRelayInfo(hop)
		if err != nil {
			_ = ch.Close()
			return nil, newError(ClassProtocol, "BuildClient", err)
		}
		if err := circ.Extend(ri, logger); err != nil {
			_ = ch.Close()
			return nil, newError(ClassProtocol, "BuildClient", err)
		}
	}

	return &Client{circ: circ, ch: ch, logger: logger}, nil
}

func toRelayInfo(h PathHop) (*descriptor.RelayInfo, error) {
	host, portStr, err := net.SplitHostPort(h.Address)
	if err != nil {
		return nil, fmt.Errorf("path hop address %q: %w", h.Address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("path hop port %q: %w", portStr, err)
	}
	return &descriptor.RelayInfo{
		NodeID:       h.Identity,
		NtorOnionKey: h.OnionPublicKey,
		Address:      host,
		ORPort:       uint16(port),
	}, nil
}

func newInitiatorCircID(ch *channel.Channel) (uint32, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate circuit id: %w", err)
		}
		id := binary.BigEndian.Uint32(b[:]) | 0x80000000
		if ch.ClaimCircID(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("circuit id space saturated on channel")
}

// StreamHandle is the client-visible handle returned by OpenStream,
// matching spec.md §6's stream_handle.
type StreamHandle struct {
	s *stream.Stream
}

// OpenStream implements the Client API's open_stream(target, circuit_hint):
// this Client already fixes the circuit, so circuit_hint is implicit.
func (c *Client) OpenStream(target string) (*StreamHandle, error) {
	s, err := stream.Begin(c.circ, target)
	if err != nil {
		return nil, newError(ClassProtocol, "OpenStream", err)
	}
	return &StreamHandle{s: s}, nil
}

func (h *StreamHandle) Write(p []byte) (int, error) { return h.s.Write(p) }
func (h *StreamHandle) Read(p []byte) (int, error)  { return h.s.Read(p) }

// Close implements close(stream, reason); the underlying stream always
// sends RELAY_END(DONE) regardless of the requested reason, matching
// stream.Stream.Close's behavior.
func (h *StreamHandle) Close(reason endreason.Reason) error {
	_ = reason
	return h.s.Close()
}

// Close tears down the whole circuit (and its channel), ending every stream
// on it.
func (c *Client) Close(reason endreason.Reason) error {
	err := c.circ.Destroy(uint8(reason))
	_ = c.ch.Close()
	return err
}
