package circuitstore

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/cvsouth/tor-relay/channel"
	"github.com/cvsouth/tor-relay/circuit"
	"github.com/cvsouth/tor-relay/endreason"
)

// testChannel spins up a real loopback link between channel.Dial and
// channel.Accept and returns the client side, so Attach/Close exercise a
// genuine *channel.Channel capable of writing a real DESTROY cell on close
// rather than a bare zero-value stand-in.
func testChannel(t *testing.T) *channel.Channel {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	id, err := channel.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	serverDone := make(chan *channel.Channel, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- nil
			return
		}
		srv, err := channel.Accept(conn, id, discard)
		if err != nil {
			serverDone <- nil
			return
		}
		serverDone <- srv
	}()

	clientCh, err := channel.Dial(ln.Addr().String(), discard)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	srv := <-serverDone
	if srv == nil {
		t.Fatal("server-side Accept failed")
	}
	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(func() { _ = clientCh.Close() })

	return clientCh
}

func TestAttachFindRoundTrip(t *testing.T) {
	s := New(nil)
	ch := testChannel(t)
	circ := &circuit.Circuit{Kind: circuit.Forwarding, Channel: ch}

	id, err := s.Attach(ch, circ, SideOutbound)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if id&0x80000000 == 0 {
		t.Fatal("outbound attach should set the high bit")
	}

	found, ok := s.Find(ch, id)
	if !ok || found != circ {
		t.Fatal("Find did not return the attached circuit")
	}
}

func TestAttachInboundLowBit(t *testing.T) {
	s := New(nil)
	ch := testChannel(t)
	circ := &circuit.Circuit{Kind: circuit.Forwarding, Channel: ch}

	id, err := s.Attach(ch, circ, SideInbound)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if id&0x80000000 != 0 {
		t.Fatal("inbound attach should clear the high bit")
	}
}

func TestGlobalFindHandle(t *testing.T) {
	s := New(nil)
	circ := &circuit.Circuit{Kind: circuit.Origin, Channel: testChannel(t), ID: 0x80000001}
	handle := s.AttachHandle(circ)

	found, ok := s.GlobalFind(handle)
	if !ok || found != circ {
		t.Fatal("GlobalFind did not return the attached circuit")
	}

	if _, ok := s.GlobalFind(handle + 1); ok {
		t.Fatal("expected miss for unknown handle")
	}
}

func TestCloseRemovesIndex(t *testing.T) {
	s := New(nil)
	ch := testChannel(t)
	circ := &circuit.Circuit{Kind: circuit.Forwarding, Channel: ch}
	id, err := s.Attach(ch, circ, SideOutbound)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := s.Close(circ, endreason.Misc); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := s.Find(ch, id); ok {
		t.Fatal("circuit still indexed after Close")
	}
}

func TestShedOOMClosesOldestFirst(t *testing.T) {
	s := New(nil)
	s.HighwaterBytes = 100

	ch := testChannel(t)
	old := &circuit.Circuit{Kind: circuit.Forwarding, Channel: ch}
	recent := &circuit.Circuit{Kind: circuit.Forwarding, Channel: ch}

	oldID, _ := s.Attach(ch, old, SideOutbound)
	recentID, _ := s.Attach(ch, recent, SideOutbound)

	s.NoteQueued(ch, oldID, 80, time.Now().Add(-time.Minute))
	s.NoteQueued(ch, recentID, 80, time.Now())

	victims := s.ShedOOM()
	if len(victims) != 1 {
		t.Fatalf("expected exactly 1 victim, got %d", len(victims))
	}
	if victims[0] != old {
		t.Fatal("expected the oldest-queued circuit to be shed first")
	}

	if _, ok := s.Find(ch, recentID); !ok {
		t.Fatal("recent circuit should survive shedding")
	}
}
