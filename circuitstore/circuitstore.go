// Package circuitstore allocates circuit ids and indexes circuits for
// dispatch: a standalone component, separate from the per-channel id
// tracking in the channel package, that also tracks origin-circuit handles
// for control-surface access and enforces an OOM-shedding policy across the
// whole store.
package circuitstore

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cvsouth/tor-relay/channel"
	"github.com/cvsouth/tor-relay/circuit"
	"github.com/cvsouth/tor-relay/endreason"
)

// maxAllocAttempts is the number of random draws tried before a channel's id
// space is declared saturated (spec.md §4.3).
const maxAllocAttempts = 64

// Side distinguishes which endpoint of a forwarding circuit a channel plays,
// used only to pick the id's high bit convention on attach.
type Side int

const (
	// SideOutbound is this process acting as the link's initiator (VERSIONS
	// sender), which owns the high-bit id range on that channel.
	SideOutbound Side = iota
	SideInbound
)

// entry tracks one circuit's indexing plus enough bookkeeping for OOM
// shedding (oldest-queued-cell-first).
type entry struct {
	circ         *circuit.Circuit
	channel      *channel.Channel
	circID       uint32
	queueBytes   int
	oldestQueued time.Time
	closing      bool
}

// Store indexes every circuit this process holds by (channel, circuit id),
// and separately indexes origin circuits by an opaque handle for the client
// and operator APIs.
type Store struct {
	mu sync.Mutex

	byChannelAndID map[channelKey]*entry
	byHandle       map[uint64]*entry
	nextHandle     uint64

	// HighwaterBytes bounds total outbound cell-queue memory across every
	// circuit in the store (spec.md §4.3 OOM handling). Zero disables the
	// check.
	HighwaterBytes int

	logger *slog.Logger
}

type channelKey struct {
	ch     *channel.Channel
	circID uint32
}

// New creates an empty Store. logger may be nil, in which case slog.Default
// is used.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byChannelAndID: make(map[channelKey]*entry),
		byHandle:       make(map[uint64]*entry),
		logger:         logger,
	}
}

// Attach allocates a fresh circuit id on ch, records it as circ.ID, and
// indexes circ under it. side
// picks the high-bit convention: an outbound (initiator) channel forces the
// high bit set, matching the client-side allocator used before a store
// existed (tor-spec §5.1.1 - whichever party sent the higher-valued VERSIONS
// entry owns the high-bit range, which for the process that dialed is always
// true under our single-version-set offer).
func (s *Store) Attach(ch *channel.Channel, circ *circuit.Circuit, side Side) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate circuit id: %w", err)
		}
		id := binary.BigEndian.Uint32(b[:])
		if side == SideOutbound {
			id |= 0x80000000
		} else {
			id &^= 0x80000000
		}
		if id == 0 {
			continue
		}
		if !ch.ClaimCircID(id) {
			continue
		}

		circ.ID = id
		key := channelKey{ch: ch, circID: id}
		s.byChannelAndID[key] = &entry{circ: circ, channel: ch, circID: id, oldestQueued: time.Now()}
		s.logger.Debug("circuit attached", "circID", fmt.Sprintf("0x%08x", id))
		return id, nil
	}

	return 0, fmt.Errorf("circuit id space saturated on channel after %d attempts", maxAllocAttempts)
}

// AttachHandle additionally exposes an origin circuit via an opaque client
// handle, for client API / operator API lookup.
func (s *Store) AttachHandle(circ *circuit.Circuit) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextHandle++
	handle := s.nextHandle
	e := &entry{circ: circ, channel: circ.Channel, circID: circ.ID, oldestQueued: time.Now()}
	s.byHandle[handle] = e
	s.byChannelAndID[channelKey{ch: circ.Channel, circID: circ.ID}] = e
	return handle
}

// Bind indexes circ a second time under (ch, circID) without allocating a
// fresh id, used once ForwardExtend has populated a forwarding circuit's
// Next/NextID so cells arriving from the next hop route back to the same
// Circuit value that already answers for the previous hop's id.
func (s *Store) Bind(ch *channel.Channel, circID uint32, circ *circuit.Circuit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChannelAndID[channelKey{ch: ch, circID: circID}] = &entry{circ: circ, channel: ch, circID: circID, oldestQueued: time.Now()}
}

// Find looks up the circuit indexed on ch under circID. O(1).
func (s *Store) Find(ch *channel.Channel, circID uint32) (*circuit.Circuit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byChannelAndID[channelKey{ch: ch, circID: circID}]
	if !ok || e.closing {
		return nil, false
	}
	return e.circ, true
}

// GlobalFind looks up an origin circuit by its client-facing handle.
func (s *Store) GlobalFind(handle uint64) (*circuit.Circuit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byHandle[handle]
	if !ok || e.closing {
		return nil, false
	}
	return e.circ, true
}

// NoteQueued records that n bytes of outbound cell are now queued for circ,
// for the OOM-shedding heuristic. Called by the scheduler/relay engine as
// cells are enqueued; oldest is the enqueue time of the oldest still-queued
// cell on this circuit.
func (s *Store) NoteQueued(ch *channel.Channel, circID uint32, queueBytes int, oldest time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byChannelAndID[channelKey{ch: ch, circID: circID}]
	if !ok {
		return
	}
	e.queueBytes = queueBytes
	e.oldestQueued = oldest
}

// Close transitions circ to CLOSING: it sends DESTROY where applicable,
// drops its indexing, and detaches it so memory reclaims once callers
// release their last reference. The caller is responsible for stream
// detachment at the relay-engine layer; Close only handles store-level
// bookkeeping and the wire DESTROY.
func (s *Store) Close(circ *circuit.Circuit, reason endreason.Reason) error {
	s.mu.Lock()
	key := channelKey{ch: circ.Channel, circID: circ.ID}
	e, ok := s.byChannelAndID[key]
	if ok {
		e.closing = true
	}
	s.mu.Unlock()

	err := circ.Destroy(uint8(reason))

	s.mu.Lock()
	delete(s.byChannelAndID, key)
	if circ.Kind == circuit.Forwarding && circ.Next != nil {
		delete(s.byChannelAndID, channelKey{ch: circ.Next, circID: circ.NextID})
	}
	circ.Channel.ReleaseCircID(circ.ID)
	for handle, he := range s.byHandle {
		if he.circ == circ {
			delete(s.byHandle, handle)
		}
	}
	s.mu.Unlock()

	s.logger.Info("circuit closed", "circID", fmt.Sprintf("0x%08x", circ.ID), "reason", reason.String())
	return err
}

// ShedOOM enforces HighwaterBytes: while the sum of all tracked queueBytes
// exceeds it, the circuit holding the single oldest queued cell is closed
// with RESOURCE_LIMIT, oldest first, until back under the ceiling.
func (s *Store) ShedOOM() []*circuit.Circuit {
	if s.HighwaterBytes <= 0 {
		return nil
	}

	s.mu.Lock()
	total := 0
	var entries []*entry
	for _, e := range s.byChannelAndID {
		if e.closing {
			continue
		}
		total += e.queueBytes
		entries = append(entries, e)
	}
	if total <= s.HighwaterBytes {
		s.mu.Unlock()
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].oldestQueued.Before(entries[j].oldestQueued)
	})
	s.mu.Unlock()

	var victims []*circuit.Circuit
	for _, e := range entries {
		if total <= s.HighwaterBytes {
			break
		}
		victims = append(victims, e.circ)
		total -= e.queueBytes
	}

	for _, v := range victims {
		if err := s.Close(v, endreason.ResourceLimit); err != nil {
			s.logger.Warn("OOM shed close failed", "error", err)
		}
	}
	return victims
}

// ListCircuits backs the operator API's list_circuits (spec.md §6).
func (s *Store) ListCircuits() []*circuit.Circuit {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*circuit.Circuit]bool)
	var out []*circuit.Circuit
	for _, e := range s.byChannelAndID {
		if e.closing || seen[e.circ] {
			continue
		}
		seen[e.circ] = true
		out = append(out, e.circ)
	}
	return out
}
