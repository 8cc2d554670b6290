// Package relay implements the exit/relay side of the relay-cell protocol:
// interpreting BEGIN/DATA/END/SENDME/RESOLVE for a forwarding circuit that
// terminates locally (this relay is the last hop of the path for these
// streams), multiplexing many streams over the one circuit, and bridging
// each stream to an outbound TCP connection or a DNS lookup through a real
// per-circuit dispatch table.
package relay

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/cvsouth/tor-relay/circuit"
	"github.com/cvsouth/tor-relay/endreason"
)

// edgeStream is one locally-terminated stream: a relay-cell-facing window
// pair plus the outbound net.Conn it bridges to.
type edgeStream struct {
	id   uint16
	conn net.Conn

	circPackageWindow   int // not consulted; sendChunk charges Table.circPackageWindow
	streamPackageWindow int
	streamDeliverWindow int

	mu     sync.Mutex
	closed bool
}

// Table dispatches relay cells for one forwarding circuit's locally
// terminated streams, and multiplexes DATA arriving from those streams'
// outbound connections back onto the circuit.
type Table struct {
	mu sync.Mutex

	circ       *circuit.Circuit
	streams    map[uint16]*edgeStream
	maxStreams int

	circPackageWindow int
	circDeliverWindow int

	resolver Resolver
	policy   ExitPolicy
	dialer   Dialer
	logger   *slog.Logger
}

// NewTable builds a dispatch table for circ, which must be a Forwarding
// circuit terminating streams locally (the exit hop).
func NewTable(circ *circuit.Circuit, resolver Resolver, policy ExitPolicy, dialer Dialer, maxStreams int, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = DefaultDialer
	}
	return &Table{
		circ:              circ,
		streams:           make(map[uint16]*edgeStream),
		maxStreams:        maxStreams,
		circPackageWindow: initCircPackageWindow,
		circDeliverWindow: initCircDeliverWindow,
		resolver:          resolver,
		policy:            policy,
		dialer:            dialer,
		logger:            logger,
	}
}

// HandleCell dispatches one relay command already peeled from the circuit's
// final onion layer (relayCmd/streamID/data as returned by PeelForward's
// caller after fully decrypting the cell addressed to this hop).
func (t *Table) HandleCell(relayCmd uint8, streamID uint16, data []byte) error {
	switch relayCmd {
	case circuit.RelayBegin:
		return t.handleBegin(streamID, data)
	case circuit.RelayData:
		return t.handleData(streamID, data)
	case circuit.RelayEnd:
		return t.handleEnd(streamID, data)
	case circuit.RelaySendMe:
		if streamID == 0 {
			return t.handleCircuitSendMe(data)
		}
		return t.dispatchStreamSendMe(streamID, data)
	case circuit.RelayResolve:
		return t.handleResolve(streamID, data)
	default:
		t.logger.Debug("unhandled relay command at exit", "cmd", relayCmd, "stream", streamID)
		return nil
	}
}

func (t *Table) dispatchStreamSendMe(streamID uint16, data []byte) error {
	t.mu.Lock()
	es, ok := t.streams[streamID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("SENDME for unknown stream %d", streamID)
	}
	return t.handleStreamSendMe(es, data)
}

func (t *Table) handleBegin(streamID uint16, payload []byte) error {
	t.mu.Lock()
	if len(t.streams) >= t.maxStreams {
		t.mu.Unlock()
		return t.circ.SealBackward(circuit.RelayEnd, streamID, []byte{byte(endreason.ResourceLimit)})
	}
	if _, exists := t.streams[streamID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("BEGIN on already-open stream %d", streamID)
	}
	t.mu.Unlock()

	target := parseNullTerminated(payload)
	host, port, err := parseTarget(target)
	if err != nil {
		t.logger.Debug("BEGIN target malformed", "target", target, "error", err)
		return t.circ.SealBackward(circuit.RelayEnd, streamID, []byte{byte(endreason.Misc)})
	}

	if !t.policy.Allow(host, port) {
		t.logger.Info("BEGIN denied by exit policy", "host", host, "port", port)
		return t.circ.SealBackward(circuit.RelayEnd, streamID, []byte{byte(endreason.ExitPolicy)})
	}

	conn, err := t.dialer.Dial("tcp", target)
	if err != nil {
		t.logger.Debug("BEGIN dial failed", "target", target, "error", err)
		reason := endreason.ConnectRefused
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			reason = endreason.Timeout
		}
		return t.circ.SealBackward(circuit.RelayEnd, streamID, []byte{byte(reason)})
	}

	es := &edgeStream{
		id:                  streamID,
		conn:                conn,
		circPackageWindow:   initCircPackageWindow,
		streamPackageWindow: initStreamPackageWindow,
		streamDeliverWindow: initStreamDeliverWindow,
	}

	t.mu.Lock()
	t.streams[streamID] = es
	t.mu.Unlock()

	if err := t.circ.SealBackward(circuit.RelayConnected, streamID, connectedPayload(conn)); err != nil {
		t.removeStream(streamID)
		_ = conn.Close()
		return fmt.Errorf("send CONNECTED: %w", err)
	}

	go t.pumpEdgeToCircuit(es)
	return nil
}

func (t *Table) handleData(streamID uint16, data []byte) error {
	t.mu.Lock()
	es, ok := t.streams[streamID]
	t.mu.Unlock()
	if !ok {
		// Stream already closed locally; silently drop, matching tor's
		// tolerance of a DATA cell racing an END.
		return nil
	}

	if err := t.handleStreamDataReceived(es); err != nil {
		return err
	}

	es.mu.Lock()
	closed := es.closed
	es.mu.Unlock()
	if closed {
		return nil
	}
	if _, err := es.conn.Write(data); err != nil {
		t.closeStream(streamID, endreason.ConnReset)
	}
	return nil
}

func (t *Table) handleEnd(streamID uint16, _ []byte) error {
	t.closeStream(streamID, endreason.None)
	return nil
}

func (t *Table) handleResolve(streamID uint16, payload []byte) error {
	hostname := parseNullTerminated(payload)
	ip, err := t.resolver.Resolve(hostname)
	if err != nil {
		t.logger.Debug("RESOLVE failed", "hostname", hostname, "error", err)
		return t.circ.SealBackward(circuit.RelayResolved, streamID, resolvedErrorPayload())
	}
	return t.circ.SealBackward(circuit.RelayResolved, streamID, resolvedIPPayload(ip))
}

// closeStream tears down one stream's outbound connection and removes it
// from the table. A reason of endreason.None suppresses sending our own
// END back (used when we are reacting to the origin's END).
func (t *Table) closeStream(streamID uint16, reason endreason.Reason) {
	t.mu.Lock()
	es, ok := t.streams[streamID]
	if ok {
		delete(t.streams, streamID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	es.mu.Lock()
	es.closed = true
	es.mu.Unlock()
	_ = es.conn.Close()

	if reason != endreason.None {
		_ = t.circ.SealBackward(circuit.RelayEnd, streamID, []byte{byte(reason)})
	}
}

func (t *Table) removeStream(streamID uint16) {
	t.mu.Lock()
	delete(t.streams, streamID)
	t.mu.Unlock()
}

// pumpEdgeToCircuit reads from the outbound connection and packages each
// chunk as RELAY_DATA sent backward toward the origin, honoring the package
// windows the same way stream.Stream.Write does on the origin side.
func (t *Table) pumpEdgeToCircuit(es *edgeStream) {
	buf := make([]byte, circuit.MaxRelayDataLen)
	for {
		n, err := es.conn.Read(buf)
		if n > 0 {
			if sendErr := t.sendChunk(es, buf[:n]); sendErr != nil {
				t.logger.Debug("edge->circuit send failed", "stream", es.id, "error", sendErr)
				t.closeStream(es.id, endreason.Misc)
				return
			}
		}
		if err != nil {
			reason := endreason.Done
			if err != io.EOF {
				reason = endreason.ConnReset
			}
			t.closeStream(es.id, reason)
			return
		}
	}
}

func (t *Table) sendChunk(es *edgeStream, data []byte) error {
	t.mu.Lock()
	if t.circPackageWindow <= 0 || es.streamPackageWindow <= 0 {
		t.mu.Unlock()
		return fmt.Errorf("exit send window exhausted (circ=%d, stream=%d)", t.circPackageWindow, es.streamPackageWindow)
	}
	t.circPackageWindow--
	es.streamPackageWindow--
	t.mu.Unlock()

	return t.circ.SealBackward(circuit.RelayData, es.id, data)
}

// StreamCount reports how many streams are currently open, for
// max-streams-per-circuit enforcement and operator visibility.
func (t *Table) StreamCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// CloseAll tears down every stream, e.g. when the owning circuit is
// destroyed.
func (t *Table) CloseAll() {
	t.mu.Lock()
	ids := make([]uint16, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.closeStream(id, endreason.None)
	}
}

func parseNullTerminated(payload []byte) string {
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i])
		}
	}
	return string(payload)
}

func connectedPayload(conn net.Conn) []byte {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || addr.IP == nil {
		return make([]byte, 8)
	}
	v4 := addr.IP.To4()
	if v4 == nil {
		return make([]byte, 8)
	}
	payload := make([]byte, 8)
	copy(payload[0:4], v4)
	return payload
}

const (
	resolvedTypeIPv4  = 0x04
	resolvedTypeError = 0x00
	resolvedTTL       = 60
)

func resolvedIPPayload(ip net.IP) []byte {
	v4 := ip.To4()
	if v4 == nil {
		return resolvedErrorPayload()
	}
	payload := make([]byte, 2+4+4)
	payload[0] = resolvedTypeIPv4
	payload[1] = 4
	copy(payload[2:6], v4)
	// TTL, big-endian, in the last 4 bytes.
	payload[6], payload[7], payload[8], payload[9] = 0, 0, 0, resolvedTTL
	return payload
}

func resolvedErrorPayload() []byte {
	return []byte{resolvedTypeError, 0, 0, 0, 0, resolvedTTL}
}

