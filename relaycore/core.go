package relaycore

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvsouth/tor-relay/cell"
	"github.com/cvsouth/tor-relay/channel"
	"github.com/cvsouth/tor-relay/circuit"
	"github.com/cvsouth/tor-relay/circuitstore"
	"github.com/cvsouth/tor-relay/config"
	"github.com/cvsouth/tor-relay/endreason"
	"github.com/cvsouth/tor-relay/relay"
	"github.com/cvsouth/tor-relay/scheduler"
)

// cryptoWorkers is the bounded worker-pool size for asymmetric handshake
// work (spec.md §5 "Crypto worker pool"). ntor could run synchronously
// inline instead; this pool exists so a busy relay's handshake responder
// work doesn't serialize behind one slow peer.
const cryptoWorkers = 4

// Core is the relay event loop: it accepts inbound channels, answers
// CREATE2, forwards EXTEND2 to build out the rest of a path, and dispatches
// relay cells either to a locally-terminated relay.Table (this relay is the
// circuit's exit hop for those streams) or onward to the next hop.
//
// spec.md §5 describes a single-threaded cooperative event loop; this
// implementation instead runs one reader goroutine per channel, guarded by
// circuitstore's and channel's own mutexes, which is the idiomatic Go
// rendering of that model (see DESIGN.md's open-question note on this
// divergence) rather than a literal single task with explicit yield points.
type Core struct {
	cfg      *config.Config
	identity *RelayIdentity
	store    *circuitstore.Store
	resolver relay.Resolver
	policy   relay.ExitPolicy
	dialer   relay.Dialer
	logger   *slog.Logger

	buildTimes *BuildTimeEstimator

	sinksMu sync.Mutex
	sinks   map[*channel.Channel]*channelSink

	channelsMu sync.Mutex
	channels   map[*channel.Channel]struct{}

	tablesMu sync.Mutex
	tables   map[*circuit.Circuit]*relay.Table

	workers   chan func()
	bugs      int64 // monotonically increasing internal-error counter (spec.md §7)
	workersWG sync.WaitGroup
}

// NewCore builds a Core ready to Serve. cacheDir may be empty to disable
// build-time-distribution persistence. dialer may be nil to use
// relay.DefaultDialer; tests override it to avoid opening real sockets for
// exit traffic.
func NewCore(cfg *config.Config, identity *RelayIdentity, resolver relay.Resolver, policy relay.ExitPolicy, dialer relay.Dialer, cacheDir string, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = relay.DefaultDialer
	}
	c := &Core{
		cfg:        cfg,
		identity:   identity,
		store:      circuitstore.New(logger),
		resolver:   resolver,
		policy:     policy,
		dialer:     dialer,
		logger:     logger,
		buildTimes: NewBuildTimeEstimator(cfg.CircuitBuildTimeoutInitial, cacheDir),
		sinks:      make(map[*channel.Channel]*channelSink),
		channels:   make(map[*channel.Channel]struct{}),
		tables:     make(map[*circuit.Circuit]*relay.Table),
		workers:    make(chan func(), 256),
	}
	c.store.HighwaterBytes = cfg.CellQueueOOMCeiling
	for i := 0; i < cryptoWorkers; i++ {
		c.workersWG.Add(1)
		go c.runWorker()
	}
	return c
}

func (c *Core) runWorker() {
	defer c.workersWG.Done()
	for job := range c.workers {
		job()
	}
}

// submitCrypto hands an asymmetric-crypto job to the worker pool, blocking
// the caller until it completes. A real single-threaded core would instead
// return to the event loop and resume on a completion token (spec.md §5);
// here the caller is already its own reader goroutine, so blocking on a
// result channel is the equivalent suspension point.
func (c *Core) submitCrypto(job func()) {
	done := make(chan struct{})
	c.workers <- func() {
		job()
		close(done)
	}
	<-done
}

// Serve accepts inbound connections on ln forever, handling each as a
// channel handshake followed by its relay-cell dispatch loop. Serve returns
// when ln.Accept fails (e.g. the listener is closed).
func (c *Core) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return newError(ClassTransport, "Serve", err)
		}
		go c.acceptChannel(conn)
	}
}

func (c *Core) acceptChannel(conn net.Conn) {
	ch, err := channel.Accept(conn, c.identity.Link, c.logger)
	if err != nil {
		c.logger.Debug("channel accept failed", "peer", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}
	c.logger.Info("channel accepted", "peer", ch.PeerAddr)
	c.handleChannel(ch)
}

// handleChannel runs one channel's read loop until it errors or closes,
// dispatching each cell by command.
func (c *Core) handleChannel(ch *channel.Channel) {
	c.channelsMu.Lock()
	c.channels[ch] = struct{}{}
	c.channelsMu.Unlock()

	defer func() {
		c.channelsMu.Lock()
		delete(c.channels, ch)
		c.channelsMu.Unlock()
		c.sinksMu.Lock()
		delete(c.sinks, ch)
		c.sinksMu.Unlock()
		_ = ch.Close()
	}()

	for {
		in, err := ch.ReadCell()
		if err != nil {
			c.logger.Debug("channel read ended", "peer", ch.PeerAddr, "error", err)
			return
		}

		switch in.Command() {
		case cell.CmdPadding, cell.CmdVPadding:
			continue
		case cell.CmdCreate2, cell.CmdCreateFast:
			c.handleCreate2(ch, in)
		case cell.CmdCreate:
			c.logger.Info("CREATE (v1) refused, minimum link version requires CREATE2", "peer", ch.PeerAddr)
			c.sendDestroy(ch, in.CircID(), endreason.TorProtocol)
		case cell.CmdRelay, cell.CmdRelayEarly:
			c.handleRelayCell(ch, in)
		case cell.CmdDestroy:
			c.handleInboundDestroy(ch, in)
		default:
			c.logger.Debug("unhandled cell command", "cmd", in.Command())
		}
	}
}

// handleCreate2 answers an inbound CREATE2 or CREATE_FAST cell. CREATE_FAST
// is accepted (tor-spec minimum link version requires only that v1 CREATE
// be refused, not CREATE_FAST); only the legacy v1 CREATE cell is rejected,
// in the dispatch switch in handleChannel.
func (c *Core) handleCreate2(ch *channel.Channel, in cell.Cell) {
	id := in.CircID()
	if !ch.ClaimCircID(id) {
		c.logger.Info("duplicate circuit id on CREATE2/CREATE_FAST", "circID", fmt.Sprintf("0x%08x", id))
		c.sendDestroy(ch, id, endreason.TorProtocol)
		return
	}

	start := time.Now()
	var circ *circuit.Circuit
	var respondErr error
	if in.Command() == cell.CmdCreateFast {
		c.submitCrypto(func() {
			circ, respondErr = circuit.RespondFast(ch, id, in)
		})
	} else {
		c.submitCrypto(func() {
			circ, respondErr = circuit.Respond(ch, id, in, c.identity.NodeID, c.identity.onionPrivate, c.identity.OnionPublic)
		})
	}
	c.buildTimes.Observe(time.Since(start))
	if respondErr != nil {
		c.logger.Info("CREATE2/CREATE_FAST failed", "error", respondErr)
		ch.ReleaseCircID(id)
		return
	}

	c.store.Bind(ch, id, circ)
	c.logger.Info("circuit created (relay role)", "circID", fmt.Sprintf("0x%08x", id), "peer", ch.PeerAddr)
}

func (c *Core) handleInboundDestroy(ch *channel.Channel, in cell.Cell) {
	id := in.CircID()
	circ, ok := c.store.Find(ch, id)
	if !ok {
		return
	}
	reason := endreason.Reason(0)
	if p := in.Payload(); len(p) > 0 {
		reason = endreason.Reason(p[0])
	}
	c.teardownCircuit(circ, reason, false)
}

// handleRelayCell routes an inbound RELAY/RELAY_EARLY cell according to
// which side of its forwarding circuit it arrived on: from the previous hop
// (forward direction, this relay may need to peel, pass on, or terminate
// it) or from the next hop (backward direction, always passed toward the
// previous hop).
func (c *Core) handleRelayCell(ch *channel.Channel, in cell.Cell) {
	circID := in.CircID()
	circ, ok := c.store.Find(ch, circID)
	if !ok {
		// A cell on an unknown (channel, circ_id) pair gets a single
		// DESTROY(reason=NONE) in response and is otherwise dropped
		// (spec.md §8 "Boundary behaviors").
		c.logger.Debug("relay cell for unknown circuit", "circID", fmt.Sprintf("0x%08x", circID))
		c.sendDestroy(ch, circID, endreason.None)
		return
	}
	if circ.Kind != circuit.Forwarding {
		c.logger.Debug("relay cell for non-forwarding circuit at relay core", "circID", fmt.Sprintf("0x%08x", circID))
		return
	}

	payload := make([]byte, circuit.RelayPayloadLen)
	copy(payload, in.Payload()[:circuit.RelayPayloadLen])

	switch {
	case ch == circ.Channel && circID == circ.ID:
		c.handleForwardCell(circ, payload, in.Command() == cell.CmdRelayEarly)
	case circ.Created && ch == circ.Next && circID == circ.NextID:
		if err := circ.WrapBackward(payload); err != nil {
			c.logger.Debug("WrapBackward failed", "error", err)
			return
		}
		out := cell.NewFixedCell(circ.ID, cell.CmdRelay)
		copy(out.Payload(), payload)
		c.enqueue(circ.Channel, circ.ID, out)
	default:
		c.logger.Debug("relay cell arrived on unexpected side of circuit", "circID", fmt.Sprintf("0x%08x", circID))
	}
}

func (c *Core) handleForwardCell(circ *circuit.Circuit, payload []byte, isEarly bool) {
	if isEarly && circ.NoteRelayEarlyReceived() {
		c.logger.Info("RELAY_EARLY budget exceeded, destroying circuit", "circID", fmt.Sprintf("0x%08x", circ.ID))
		c.teardownCircuit(circ, endreason.TorProtocol, true)
		return
	}

	ok, err := circ.PeelForward(payload)
	if err != nil {
		c.logger.Info("PeelForward failed, destroying circuit", "error", err)
		c.teardownCircuit(circ, endreason.TorProtocol, true)
		return
	}

	if !ok {
		if !circ.Created {
			c.logger.Info("relay cell not recognized before circuit extended", "circID", fmt.Sprintf("0x%08x", circ.ID))
			c.teardownCircuit(circ, endreason.TorProtocol, true)
			return
		}
		out := cell.NewFixedCell(circ.NextID, cell.CmdRelay)
		copy(out.Payload(), payload)
		c.enqueue(circ.Next, circ.NextID, out)
		return
	}

	relayCmd, streamID, data, err := circuit.DecodeRelayHeader(payload)
	if err != nil {
		c.logger.Info("malformed relay payload", "error", err)
		c.teardownCircuit(circ, endreason.TorProtocol, true)
		return
	}

	switch relayCmd {
	case circuit.RelayExtend2:
		c.handleExtend2(circ, data, isEarly)
		return
	case circuit.RelayExtend, circuit.RelayExtended:
		c.logger.Info("v1 EXTEND refused, minimum link version requires EXTEND2", "circID", fmt.Sprintf("0x%08x", circ.ID))
		_ = circ.SealBackward(circuit.RelayTruncated, 0, []byte{byte(endreason.TorProtocol)})
		return
	}

	table := c.tableFor(circ)
	if err := table.HandleCell(relayCmd, streamID, data); err != nil {
		c.logger.Info("relay.Table.HandleCell error, destroying circuit", "circID", fmt.Sprintf("0x%08x", circ.ID), "error", err)
		c.teardownCircuit(circ, endreason.TorProtocol, true)
	}
}

// handleExtend2 processes an EXTEND2 relay command targeted at this hop. A
// relay only ever extends once per circuit: a general-purpose client
// circuit tops out at three hops, so an EXTEND2 arriving after this hop has
// already extended once is rejected (spec.md §8 "A fourth EXTEND on a
// general-purpose client circuit is rejected by the responding relay with
// TORPROTOCOL"). EXTEND2 must also be carried in a RELAY_EARLY cell.
func (c *Core) handleExtend2(circ *circuit.Circuit, data []byte, isEarly bool) {
	if circ.Created {
		c.logger.Info("EXTEND2 rejected: circuit already extended", "circID", fmt.Sprintf("0x%08x", circ.ID))
		_ = circ.SealBackward(circuit.RelayTruncated, 0, []byte{byte(endreason.TorProtocol)})
		return
	}
	if !isEarly {
		c.logger.Info("EXTEND2 rejected: not carried in RELAY_EARLY", "circID", fmt.Sprintf("0x%08x", circ.ID))
		_ = circ.SealBackward(circuit.RelayTruncated, 0, []byte{byte(endreason.TorProtocol)})
		return
	}

	parsed, err := circuit.ParseExtend2(data)
	if err != nil {
		c.logger.Info("malformed EXTEND2", "error", err)
		_ = circ.SealBackward(circuit.RelayTruncated, 0, []byte{byte(endreason.TorProtocol)})
		return
	}

	nextCircID, err := randomInitiatorCircID()
	if err != nil {
		c.logger.Warn("failed to allocate next-hop circuit id", "error", err, "bug", c.noteBug())
		_ = circ.SealBackward(circuit.RelayTruncated, 0, []byte{byte(endreason.Internal)})
		return
	}

	dial := func(addr string) (*channel.Channel, error) {
		return channel.Dial(addr, c.logger)
	}

	if err := circ.ForwardExtend(parsed, dial, nextCircID); err != nil {
		c.logger.Info("EXTEND2 failed", "addr", parsed.Addr, "error", err)
		reason := endreason.ConnectRefused
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			reason = endreason.Timeout
		}
		_ = circ.SealBackward(circuit.RelayTruncated, 0, []byte{byte(reason)})
		return
	}

	c.store.Bind(circ.Next, circ.NextID, circ)
	go c.handleChannel(circ.Next)
	c.logger.Info("circuit extended", "circID", fmt.Sprintf("0x%08x", circ.ID), "next", parsed.Addr)
}

// tableFor returns (creating if necessary) the relay.Table dispatching this
// circuit's locally terminated streams.
func (c *Core) tableFor(circ *circuit.Circuit) *relay.Table {
	c.tablesMu.Lock()
	defer c.tablesMu.Unlock()
	t, ok := c.tables[circ]
	if ok {
		return t
	}
	t = relay.NewTable(circ, c.resolver, c.policy, c.dialer, c.cfg.MaxStreamsPerCircuit, c.logger)
	c.tables[circ] = t
	return t
}

func (c *Core) teardownCircuit(circ *circuit.Circuit, reason endreason.Reason, sendDestroy bool) {
	c.tablesMu.Lock()
	t, ok := c.tables[circ]
	delete(c.tables, circ)
	c.tablesMu.Unlock()
	if ok {
		t.CloseAll()
	}

	c.dropFromSink(circ.Channel, circ.ID)
	if circ.Next != nil {
		c.dropFromSink(circ.Next, circ.NextID)
	}

	if sendDestroy {
		if err := c.store.Close(circ, reason); err != nil {
			c.logger.Debug("circuit close error", "error", err)
		}
	}
}

// dropFromSink discards any cells still queued for circID on ch's scheduler,
// so a closed circuit's backlog doesn't keep occupying fairness-scheduler
// capacity (spec.md §4.6 "Cancellation").
func (c *Core) dropFromSink(ch *channel.Channel, circID uint32) {
	c.sinksMu.Lock()
	sink, ok := c.sinks[ch]
	c.sinksMu.Unlock()
	if ok {
		sink.remove(circID)
	}
}

func (c *Core) sendDestroy(ch *channel.Channel, circID uint32, reason endreason.Reason) {
	out := cell.NewFixedCell(circID, cell.CmdDestroy)
	out.Payload()[0] = byte(reason)
	_ = ch.WriteCell(out)
}

// noteBug increments the internal-error counter surfaced by the operator
// API (spec.md §7 "Internal errors ... reported via the operator API with a
// monotonically-increasing bug counter").
func (c *Core) noteBug() int64 {
	return atomic.AddInt64(&c.bugs, 1)
}

func randomInitiatorCircID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]) | 0x80000000, nil
}
